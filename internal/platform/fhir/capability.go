package fhir

import "time"

// CapabilityStatement is the metadata endpoint's view of what the running
// registry can do. It is rebuilt on every request so late-registered
// handlers show up without a restart.
type CapabilityStatement struct {
	ResourceType string           `json:"resourceType"`
	Status       string           `json:"status"`
	Date         string           `json:"date"`
	Kind         string           `json:"kind"`
	Software     CapabilitySoft   `json:"software"`
	FHIRVersion  string           `json:"fhirVersion"`
	Format       []string         `json:"format"`
	Rest         []CapabilityRest `json:"rest"`
}

type CapabilitySoft struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type CapabilityRest struct {
	Mode     string               `json:"mode"`
	Resource []CapabilityResource `json:"resource"`
}

type CapabilityResource struct {
	Type              string                  `json:"type"`
	Profile           string                  `json:"profile,omitempty"`
	SupportedProfiles []string                `json:"supportedProfile,omitempty"`
	Interaction       []CapabilityInteraction `json:"interaction"`
	Versioning        string                  `json:"versioning"`
	ReadHistory       bool                    `json:"readHistory"`
}

type CapabilityInteraction struct {
	Code string `json:"code"`
}

// BuildCapabilityStatement renders the registry's current handler set.
// profiles may be nil when no extension pipeline is wired.
func BuildCapabilityStatement(registry *HandlerRegistry, softwareName, softwareVersion string, profiles func(resourceType string) []string) *CapabilityStatement {
	rest := CapabilityRest{Mode: "server"}
	for _, rt := range registry.ResourceTypes() {
		handler, err := registry.Resolve(rt)
		if err != nil {
			continue
		}
		res := CapabilityResource{
			Type:        rt,
			Versioning:  "versioned",
			ReadHistory: true,
		}
		for _, code := range handler.Capabilities().Interactions() {
			res.Interaction = append(res.Interaction, CapabilityInteraction{Code: code})
		}
		if profiles != nil {
			res.SupportedProfiles = profiles(rt)
		}
		rest.Resource = append(rest.Resource, res)
	}
	return &CapabilityStatement{
		ResourceType: "CapabilityStatement",
		Status:       "active",
		Date:         time.Now().UTC().Format(time.RFC3339),
		Kind:         "instance",
		Software:     CapabilitySoft{Name: softwareName, Version: softwareVersion},
		FHIRVersion:  "4.0.1",
		Format:       []string{"application/fhir+json", "application/json"},
		Rest:         []CapabilityRest{rest},
	}
}
