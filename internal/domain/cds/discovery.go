package cds

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ehr/cdshooks/internal/platform/cql"
	"github.com/ehr/cdshooks/internal/platform/fhir"
	"github.com/ehr/cdshooks/internal/platform/telemetry"
	"github.com/ehr/cdshooks/internal/platform/terminology"
)

const (
	// PatientContextToken is the prefetch placeholder for the patient in context.
	PatientContextToken = "{{context.patientId}}"
	// DefaultMaxURILength bounds the length of a generated prefetch template.
	DefaultMaxURILength = 8000

	defaultPatientParam = "patient"
)

// DiscoveryConfig controls how services are advertised.
type DiscoveryConfig struct {
	Token        string
	MaxURILength int
	Expander     terminology.Provider
	Logger       zerolog.Logger
	Metrics      *telemetry.Metrics
}

// Discover advertises every ECA rule that names a hook. Prefetch item1 is
// always the patient in context; further items come from the rule's data
// requirements in declaration order.
func Discover(ctx context.Context, rules []*Rule, cfg DiscoveryConfig) fhir.CDSDiscoveryResponse {
	if cfg.Token == "" {
		cfg.Token = PatientContextToken
	}
	if cfg.MaxURILength <= 0 {
		cfg.MaxURILength = DefaultMaxURILength
	}

	resp := fhir.CDSDiscoveryResponse{Services: []fhir.CDSService{}}
	for _, r := range rules {
		svc, ok := describeRule(ctx, r, cfg)
		if !ok {
			continue
		}
		resp.Services = append(resp.Services, svc)
	}
	sort.SliceStable(resp.Services, func(i, j int) bool {
		return resp.Services[i].ID < resp.Services[j].ID
	})
	return resp
}

func describeRule(ctx context.Context, r *Rule, cfg DiscoveryConfig) (fhir.CDSService, bool) {
	plan := r.Plan
	if !plan.IsECARule() {
		return fhir.CDSService{}, false
	}
	hook := plan.Hook()
	name := plan.Name
	if name == "" {
		name = plan.Title
	}
	if hook == "" || name == "" {
		cfg.Logger.Debug().Str("service_id", r.ID).Msg("rule skipped in discovery: no hook or name")
		return fhir.CDSService{}, false
	}

	prefetch := map[string]string{"item1": "Patient?_id=" + cfg.Token}
	templates := BuildPrefetchTemplates(ctx, r.DataRequirements(), cfg.Token, cfg.MaxURILength, cfg.Expander, cfg.Logger)
	for i, t := range templates {
		prefetch["item"+strconv.Itoa(i+2)] = t
	}
	cfg.Metrics.ObserveDiscoveryTemplates(len(prefetch))

	cfg.Logger.Debug().Str("service_id", r.ID).Str("hook", hook).Int("prefetch", len(prefetch)).Msg("mapped rule to service")
	return fhir.CDSService{
		ID:          r.ID,
		Hook:        hook,
		Name:        name,
		Title:       plan.Title,
		Description: plan.Description,
		Prefetch:    prefetch,
	}, true
}

// BuildPrefetchTemplates turns data requirements into FHIR search templates
// scoped to the patient identified by token. Requirements outside the patient
// compartment are dropped. Code filters are expanded into system|code tokens
// and split across several templates so that no template exceeds
// maxURILength, unless a single token already does.
func BuildPrefetchTemplates(ctx context.Context, reqs []cql.DataRequirement, token string, maxURILength int, expander terminology.Provider, log zerolog.Logger) []string {
	var out []string
	for _, req := range reqs {
		if !fhir.IsInCompartment(&fhir.PatientCompartment, req.Type) {
			log.Debug().Str("type", req.Type).Msg("data requirement outside patient compartment")
			continue
		}
		base := baseTemplate(req.Type, token)
		if len(req.CodeFilter) == 0 {
			out = append(out, base)
			continue
		}

		for _, cf := range req.CodeFilter {
			if cf.Path == "" {
				continue
			}
			var codes []terminology.Code
			switch {
			case cf.ValueSet != "":
				if expander == nil {
					log.Warn().Str("type", req.Type).Str("value_set", cf.ValueSet).Msg("no terminology provider, prefetch template skipped")
					continue
				}
				expanded, err := expander.Expand(ctx, cf.ValueSet)
				if err != nil {
					log.Warn().Err(err).Str("type", req.Type).Str("value_set", cf.ValueSet).Msg("value set expansion failed, prefetch template skipped")
					continue
				}
				codes = expanded
			case len(cf.Codes) > 0:
				codes = cf.Codes
			default:
				continue
			}

			tokens := codeTokens(codes)
			if len(tokens) == 0 {
				log.Warn().Str("type", req.Type).Str("path", cf.Path).Msg("code filter has no codes, prefetch template skipped")
				continue
			}
			prefix := base + "&" + SearchParamForCodePath(req.Type, cf.Path) + "="
			out = append(out, batchTemplates(prefix, tokens, maxURILength)...)
		}
	}
	return out
}

func baseTemplate(dataType, token string) string {
	if dataType == "Patient" {
		return "Patient?_id=" + token
	}
	param := fhir.GetCompartmentParam(&fhir.PatientCompartment, dataType)
	if param == "" {
		param = defaultPatientParam
	}
	return dataType + "?" + param + "=Patient/" + token
}

func codeTokens(codes []terminology.Code) []string {
	tokens := make([]string, 0, len(codes))
	for _, c := range codes {
		if c.Code == "" {
			continue
		}
		if c.System == "" {
			tokens = append(tokens, c.Code)
			continue
		}
		tokens = append(tokens, c.Token())
	}
	return tokens
}

// batchTemplates joins tokens onto prefix with commas, starting a new
// template whenever the next token would push the current one past maxLen.
// Every template carries at least one token.
func batchTemplates(prefix string, tokens []string, maxLen int) []string {
	var out []string
	var group strings.Builder
	for _, tok := range tokens {
		if group.Len() > 0 && len(prefix)+group.Len()+1+len(tok) > maxLen {
			out = append(out, prefix+group.String())
			group.Reset()
		}
		if group.Len() > 0 {
			group.WriteByte(',')
		}
		group.WriteString(tok)
	}
	if group.Len() > 0 {
		out = append(out, prefix+group.String())
	}
	return out
}

var medicationCodePaths = map[string]bool{
	"MedicationAdministration": true,
	"MedicationDispense":       true,
	"MedicationRequest":        true,
	"MedicationStatement":      true,
}

// codePathOverrides maps element paths whose search parameter does not
// follow the default naming rule.
var codePathOverrides = map[string]map[string]string{
	"Condition": {
		"onset.as(dateTime)": "onset-date",
		"onsetDateTime":      "onset-date",
	},
	"Immunization": {
		"vaccineCode": "vaccine-code",
	},
	"ImmunizationRecommendation": {
		"recommendation.vaccineCode": "vaccine-type",
	},
}

// SearchParamForCodePath maps a code filter element path of dataType to the
// search parameter used in a prefetch template.
func SearchParamForCodePath(dataType, path string) string {
	path = strings.TrimPrefix(path, dataType+".")
	if medicationCodePaths[dataType] && path == "medication" {
		return "code"
	}
	if p, ok := codePathOverrides[dataType][path]; ok {
		return p
	}
	if path == "vaccineCode" {
		return "vaccine-code"
	}
	return strings.ToLower(strings.ReplaceAll(path, ".", "-"))
}
