package domain

import "sort"

// IsoformFacts is what the external source reports about one isoform.
type IsoformFacts struct {
	Name                string `json:"name"`
	ExternalIsoformID   string `json:"external_isoform_id"`
	ExternalSecondaryID string `json:"external_secondary_id"`
}

// AssetRef points at the representative image published by the source.
type AssetRef struct {
	URL string `json:"url"`
	// RemoteSize is the byte length reported by the asset metadata fetch.
	RemoteSize int64 `json:"remote_size"`
}

// ExtractedFacts is the structured, non-persisted result of parsing one
// source page. Every field is best-effort:
//
//   - Name is nil when the symbol could not be parsed.
//   - Aliases is nil when neither the symbol nor the "also known as" field was
//     found; a nil set makes no claim and never causes deletes.
//   - Isoforms is nil when the page has no transcript section; a non-nil empty
//     map claims that the gene has no isoforms.
//   - Asset is nil when the page exposes no detailed view image.
type ExtractedFacts struct {
	Name     *string                 `json:"name,omitempty"`
	Aliases  map[string]struct{}     `json:"aliases,omitempty"`
	Isoforms map[string]IsoformFacts `json:"isoforms,omitempty"`
	Asset    *AssetRef               `json:"asset,omitempty"`
}

// AddAlias records name in the alias set, creating the set if needed.
func (f *ExtractedFacts) AddAlias(name string) {
	if name == "" {
		return
	}
	if f.Aliases == nil {
		f.Aliases = make(map[string]struct{})
	}
	f.Aliases[name] = struct{}{}
}

// PutIsoform stores iso under its name. A later call with the same name
// overwrites the earlier one.
func (f *ExtractedFacts) PutIsoform(iso IsoformFacts) {
	if f.Isoforms == nil {
		f.Isoforms = make(map[string]IsoformFacts)
	}
	f.Isoforms[iso.Name] = iso
}

// AliasList returns the alias set in ascending order.
func (f ExtractedFacts) AliasList() []string {
	out := make([]string, 0, len(f.Aliases))
	for name := range f.Aliases {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// IsoformList returns the isoform facts ordered by name.
func (f ExtractedFacts) IsoformList() []IsoformFacts {
	out := make([]IsoformFacts, 0, len(f.Isoforms))
	for _, iso := range f.Isoforms {
		out = append(out, iso)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
