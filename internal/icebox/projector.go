package icebox

import (
	"strings"

	"github.com/CZERTAINLY/icebox/internal/properties"
)

const (
	adminPrefix       = "Ice.Admin."
	adminEnabledKey   = "Ice.Admin.Enabled"
	adminEndpointsKey = "Ice.Admin.Endpoints"
	adminFacetsKey    = "Ice.Admin.Facets"
)

// PropertyProjector derives the property sets of the hosted services and their
// shared communicator from the properties of the main communicator.
type PropertyProjector struct {
	parent       *properties.Properties
	inherit      bool
	adminEnabled bool
	facetFilter  []string
}

func NewPropertyProjector(parent *properties.Properties, inherit bool) *PropertyProjector {
	enabled := parent.Get(adminEndpointsKey) != ""
	if parent.Get(adminEnabledKey) != "" {
		enabled = parent.GetAsBool(adminEnabledKey)
	}
	return &PropertyProjector{
		parent:       parent,
		inherit:      inherit,
		adminEnabled: enabled,
		facetFilter:  parent.GetAsList(adminFacetsKey),
	}
}

// Derive returns a new property set for service. When inheriting, the parent
// properties are copied except Ice.Admin.*. Ice.ProgramName is always set to
// <parent program name>-<service>, or <service> when the parent has none.
func (pp *PropertyProjector) Derive(service string) *properties.Properties {
	var props *properties.Properties
	if pp.inherit {
		props = pp.parent.Clone()
		for key := range props.GetForPrefix(adminPrefix) {
			props.Set(key, "")
		}
	} else {
		props = properties.New()
	}

	program := service
	if parent := pp.parent.Get(properties.ProgramNameKey); parent != "" {
		program = parent + "-" + service
	}
	props.Set(properties.ProgramNameKey, program)
	return props
}

// ConfigureAdmin enables admin in props when it is enabled for the parent and
// props does not set Ice.Admin.Enabled itself. The parent's Ice.Admin.Facets
// entries starting with facetPrefix are copied with the prefix stripped. When
// the parent lists facets but none under facetPrefix, admin stays disabled.
// It returns whether the facets of a communicator created from props are to
// be exported to the parent.
func (pp *PropertyProjector) ConfigureAdmin(props *properties.Properties, facetPrefix string) bool {
	if !pp.adminEnabled || props.Get(adminEnabledKey) != "" {
		return false
	}

	var facets []string
	for _, name := range pp.facetFilter {
		if rest, ok := strings.CutPrefix(name, facetPrefix); ok && rest != "" {
			facets = append(facets, rest)
		}
	}

	if len(pp.facetFilter) > 0 && len(facets) == 0 {
		return false
	}
	props.Set(adminEnabledKey, "1")
	if len(facets) > 0 {
		props.Set(adminFacetsKey, strings.Join(facets, ","))
	}
	return true
}
