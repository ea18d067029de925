package fhir

// CompartmentDefinition maps resource types that belong to a compartment
// to the search parameter that links them.
type CompartmentDefinition struct {
	// Type is the compartment type (e.g., "Patient").
	Type string
	// Resources maps resource type -> search parameter names that link to this compartment.
	Resources map[string][]string
}

// PatientCompartment lists the resource types whose instances can be fetched
// per patient, with the search parameter used to scope a prefetch query to
// the patient in context. Types with no entry in the slice belong to the
// compartment but have no dedicated linking parameter.
var PatientCompartment = CompartmentDefinition{
	Type: "Patient",
	Resources: map[string][]string{
		"Account":                     {"subject"},
		"AdverseEvent":                {"subject"},
		"AllergyIntolerance":          {"patient"},
		"Appointment":                 {"actor"},
		"AppointmentResponse":         {"actor"},
		"AuditEvent":                  {"patient"},
		"Basic":                       {"patient"},
		"BodyStructure":               {"patient"},
		"CarePlan":                    {"patient"},
		"CareTeam":                    {"patient"},
		"ChargeItem":                  {"subject"},
		"Claim":                       {"patient"},
		"ClaimResponse":               {"patient"},
		"ClinicalImpression":          {"subject"},
		"Communication":               {"subject"},
		"CommunicationRequest":        {"subject"},
		"Composition":                 {"subject"},
		"Condition":                   {"patient"},
		"Consent":                     {"patient"},
		"Coverage":                    {"policy-holder"},
		"CoverageEligibilityRequest":  {},
		"CoverageEligibilityResponse": {},
		"DetectedIssue":               {"patient"},
		"DeviceRequest":               {"subject"},
		"DeviceUseStatement":          {"subject"},
		"DiagnosticReport":            {"subject"},
		"DocumentManifest":            {"subject"},
		"DocumentReference":           {"subject"},
		"Encounter":                   {"patient"},
		"EnrollmentRequest":           {"subject"},
		"EpisodeOfCare":               {"patient"},
		"ExplanationOfBenefit":        {"patient"},
		"FamilyMemberHistory":         {"patient"},
		"Flag":                        {"patient"},
		"Goal":                        {"patient"},
		"Group":                       {"member"},
		"ImagingStudy":                {"patient"},
		"Immunization":                {"patient"},
		"ImmunizationEvaluation":      {},
		"ImmunizationRecommendation":  {"patient"},
		"Invoice":                     {"subject"},
		"List":                        {"subject"},
		"MeasureReport":               {"patient"},
		"Media":                       {"subject"},
		"MedicationAdministration":    {"patient"},
		"MedicationDispense":          {"patient"},
		"MedicationRequest":           {"subject"},
		"MedicationStatement":         {"subject"},
		"MolecularSequence":           {"patient"},
		"NutritionOrder":              {"patient"},
		"Observation":                 {"subject"},
		"Patient":                     {"_id"},
		"Person":                      {"patient"},
		"Procedure":                   {"patient"},
		"Provenance":                  {"patient"},
		"QuestionnaireResponse":       {"subject"},
		"RelatedPerson":               {"patient"},
		"RequestGroup":                {"subject"},
		"ResearchSubject":             {"individual"},
		"RiskAssessment":              {"subject"},
		"Schedule":                    {"actor"},
		"ServiceRequest":              {"patient"},
		"Specimen":                    {"subject"},
		"SupplyDelivery":              {"patient"},
		"SupplyRequest":               {"subject"},
		"VisionPrescription":          {"patient"},
	},
}

// GetCompartmentParam returns the search parameter that links a resource type
// to the given compartment. Returns empty string if the resource doesn't belong
// to the compartment or has no linking parameter.
func GetCompartmentParam(compartment *CompartmentDefinition, resourceType string) string {
	params, ok := compartment.Resources[resourceType]
	if !ok || len(params) == 0 {
		return ""
	}
	return params[0]
}

// IsInCompartment checks if a resource type is part of the given compartment.
func IsInCompartment(compartment *CompartmentDefinition, resourceType string) bool {
	_, ok := compartment.Resources[resourceType]
	return ok
}
