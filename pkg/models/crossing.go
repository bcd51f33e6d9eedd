package models

// Collection names for the merge target and capture store.
const (
	CollectionVehicle       = "vehicle"
	CollectionCrossing      = "crossing"
	CollectionCargoManifest = "cargo_manifest"
)

// KnownCollections lists every collection the pipeline manages.
var KnownCollections = []string{CollectionVehicle, CollectionCrossing, CollectionCargoManifest}

// IsKnownCollection reports whether the collection is managed by the pipeline.
func IsKnownCollection(collection string) bool {
	for _, c := range KnownCollections {
		if c == collection {
			return true
		}
	}
	return false
}

// RegistrationDetails holds vehicle registration details
type RegistrationDetails struct {
	State          string `json:"state" validate:"required,len=2"`
	ExpirationDate string `json:"expiration_date" validate:"required,datetime=2006-01-02"`
}

// VehicleDetails holds vehicle information for a border crossing
type VehicleDetails struct {
	LicensePlateNumber  string              `json:"license_plate_number" validate:"required"`
	VehicleType         string              `json:"vehicle_type" validate:"required,oneof=sedan truck motorcycle 'tractor trailer' van"`
	OwnerName           string              `json:"owner_name" validate:"required"`
	RegistrationDetails RegistrationDetails `json:"registration_details" validate:"required"`
	PassengerCount      int                 `json:"passenger_count" validate:"gte=0"`
}

// CrossingEvent holds border crossing event information
type CrossingEvent struct {
	Timestamp               string `json:"timestamp" validate:"required"`
	InteriorCheckpoints     string `json:"interior_checkpoints" validate:"required"`
	Direction               string `json:"direction" validate:"required,oneof=Inbound Outbound"`
	LaneAssignment          int    `json:"lane_assignment" validate:"gte=1,lte=10"`
	CrossingPurpose         string `json:"crossing_purpose" validate:"required,oneof=personal business shipping"`
	SecondaryInspectionFlag bool   `json:"secondary_inspection_flag"`
}

// CargoManifest holds cargo manifest information, present only for shipping crossings
type CargoManifest struct {
	ManifestID        string `json:"manifest_id" validate:"required"`
	CargoType         string `json:"cargo_type" validate:"required"`
	HazardousMaterial bool   `json:"hazardous_material"`
	ContainerID       string `json:"container_id" validate:"required,len=10,alphanum"`
}

// CrossingRecord is a complete crossing record with vehicle, event, and
// optional cargo data.
type CrossingRecord struct {
	Vehicle  VehicleDetails `json:"vehicle" validate:"required"`
	Crossing CrossingEvent  `json:"crossing" validate:"required"`
	Cargo    *CargoManifest `json:"cargo,omitempty" validate:"omitempty"`
}

// SubmitRequest is the request for submitting a crossing record
type SubmitRequest struct {
	Vehicle  VehicleDetails `json:"vehicle" validate:"required"`
	Crossing CrossingEvent  `json:"crossing" validate:"required"`
	Cargo    *CargoManifest `json:"cargo,omitempty" validate:"omitempty"`
}

// SubmitResponse is the response for the submit endpoint
type SubmitResponse struct {
	Success    bool     `json:"success"`
	Message    string   `json:"message"`
	EntityKeys []string `json:"entity_keys"`
}
