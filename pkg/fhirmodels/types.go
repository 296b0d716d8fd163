package fhirmodels

// Common FHIR value set constants used across the pipeline.

// AdministrativeGender codes.
const (
	GenderMale    = "male"
	GenderFemale  = "female"
	GenderOther   = "other"
	GenderUnknown = "unknown"
)

// MedicationRequest status values per FHIR R4.
const (
	MedRequestActive         = "active"
	MedRequestOnHold         = "on-hold"
	MedRequestCancelled      = "cancelled"
	MedRequestCompleted      = "completed"
	MedRequestEnteredInError = "entered-in-error"
	MedRequestStopped        = "stopped"
	MedRequestDraft          = "draft"
	MedRequestUnknown        = "unknown"
)

// MedicationRequest intent values.
const (
	MedIntentProposal = "proposal"
	MedIntentPlan     = "plan"
	MedIntentOrder    = "order"
)

// Observation status values.
const (
	ObsStatusRegistered  = "registered"
	ObsStatusPreliminary = "preliminary"
	ObsStatusFinal       = "final"
	ObsStatusAmended     = "amended"
	ObsStatusCancelled   = "cancelled"
)

// Observation category codes.
const (
	ObsCategoryVitalSigns = "vital-signs"
	ObsCategoryLaboratory = "laboratory"
	ObsCategoryImaging    = "imaging"
	ObsCategoryProcedure  = "procedure"
	ObsCategorySurvey     = "survey"
)

// Encounter status values.
const (
	EncounterPlanned    = "planned"
	EncounterInProgress = "in-progress"
	EncounterFinished   = "finished"
	EncounterUnknown    = "unknown"
)

// Encounter class codes per v3-ActCode.
const (
	EncounterClassAmbulatory = "AMB"
	EncounterClassEmergency  = "EMER"
	EncounterClassInpatient  = "IMP"
	EncounterClassVirtual    = "VR"
)

// Goal lifecycleStatus values.
const (
	GoalProposed       = "proposed"
	GoalPlanned        = "planned"
	GoalAccepted       = "accepted"
	GoalActive         = "active"
	GoalOnHold         = "on-hold"
	GoalCompleted      = "completed"
	GoalCancelled      = "cancelled"
	GoalEnteredInError = "entered-in-error"
	GoalRejected       = "rejected"
)

// CarePlan status values.
const (
	CarePlanDraft          = "draft"
	CarePlanActive         = "active"
	CarePlanOnHold         = "on-hold"
	CarePlanRevoked        = "revoked"
	CarePlanCompleted      = "completed"
	CarePlanEnteredInError = "entered-in-error"
	CarePlanUnknown        = "unknown"
)

// CarePlan intent values.
const (
	CarePlanIntentProposal  = "proposal"
	CarePlanIntentPlan      = "plan"
	CarePlanIntentOrder     = "order"
	CarePlanIntentOption    = "option"
	CarePlanIntentDirective = "directive"
)

// ServiceRequest priority values.
const (
	PriorityRoutine = "routine"
	PriorityUrgent  = "urgent"
	PriorityASAP    = "asap"
	PriorityStat    = "stat"
)

// Consent status and policy rule values.
const (
	ConsentActive   = "active"
	ConsentInactive = "inactive"
	ConsentDraft    = "draft"
	ConsentRejected = "rejected"

	PolicyOptIn  = "OPTIN"
	PolicyOptOut = "OPTOUT"
)

// AllergyIntolerance criticality values.
const (
	CriticalityLow          = "low"
	CriticalityHigh         = "high"
	CriticalityUnassessable = "unable-to-assess"
)

// Bundle type values.
const (
	BundleTransaction         = "transaction"
	BundleBatch               = "batch"
	BundleTransactionResponse = "transaction-response"
	BundleSearchset           = "searchset"
)
