package fhir

// Bundle represents a FHIR Bundle resource whose entries carry generic resources.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

type BundleEntry struct {
	FullURL  string   `json:"fullUrl,omitempty"`
	Resource Resource `json:"resource,omitempty"`
}

// NewCollectionBundle wraps resources in a Bundle of type collection.
func NewCollectionBundle(resources []Resource) *Bundle {
	b := &Bundle{
		ResourceType: "Bundle",
		Type:         "collection",
		Entry:        make([]BundleEntry, 0, len(resources)),
	}
	for _, r := range resources {
		b.Entry = append(b.Entry, BundleEntry{Resource: r})
	}
	return b
}

// IsBundle reports whether v is a Bundle-shaped object.
func IsBundle(v interface{}) bool {
	m, ok := v.(map[string]interface{})
	return ok && ResourceType(m) == "Bundle"
}

// ExpandResources flattens the given values into a list of resources.
// Bundles (including nested ones) are replaced by their entry resources,
// arrays are flattened in order, and nil or non-resource values are dropped.
func ExpandResources(values ...interface{}) []Resource {
	var out []Resource
	for _, v := range values {
		out = appendExpanded(out, v)
	}
	return out
}

func appendExpanded(out []Resource, v interface{}) []Resource {
	switch val := v.(type) {
	case map[string]interface{}:
		if ResourceType(val) == "" {
			return out
		}
		if ResourceType(val) != "Bundle" {
			return append(out, val)
		}
		entries, _ := val["entry"].([]interface{})
		for _, e := range entries {
			entry, ok := e.(map[string]interface{})
			if !ok {
				continue
			}
			out = appendExpanded(out, entry["resource"])
		}
	case *Bundle:
		if val == nil {
			return out
		}
		for _, e := range val.Entry {
			out = appendExpanded(out, e.Resource)
		}
	case []interface{}:
		for _, item := range val {
			out = appendExpanded(out, item)
		}
	case []Resource:
		for _, item := range val {
			out = appendExpanded(out, item)
		}
	}
	return out
}
