package blob

import (
	"context"
	"fmt"
)

// Config selects and configures the asset backend.
type Config struct {
	// Driver is fs|s3|memory (default fs).
	Driver string `yaml:"driver" env:"DRIVER"`
	// Root is the asset directory when Driver is fs.
	Root string   `yaml:"root" env:"ROOT"`
	S3   S3Config `yaml:"s3" envPrefix:"S3_"`
}

// Open returns the Store selected by cfg.Driver.
func Open(ctx context.Context, cfg Config) (Store, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = string(DriverFilesystem)
	}
	switch Driver(driver) {
	case DriverFilesystem:
		return NewFilesystem(cfg.Root)
	case DriverS3:
		return NewS3(ctx, cfg.S3)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %s", driver)
	}
}
