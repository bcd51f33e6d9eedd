// Package generator fabricates synthetic border-crossing records matching the
// shapes the normalizer expects. Used by the seed flow, the submit API's
// random-fill option and tests.
package generator

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/sastafford/crossy/pkg/models"
)

// Reference data
var TexasCheckpoints = []string{
	"East El Paso",
	"Sierra Blanca",
	"Marfa",
	"Alpine",
	"Marathon",
	"Eagle Pass",
	"Del Rio",
	"Brackettville",
	"East Eagle Pass",
	"Laredo-83",
	"Laredo-35",
	"Freer",
	"Oilton",
	"Hebbronville",
	"Hebbronville_2",
	"Falfurrias",
	"Sarita",
	"Brownsville",
}

var VehicleTypes = []string{"sedan", "truck", "motorcycle", "tractor trailer", "van"}

var USStates = []string{
	"AL", "AK", "AZ", "AR", "CA", "CO", "CT", "DE", "FL", "GA",
	"HI", "ID", "IL", "IN", "IA", "KS", "KY", "LA", "ME", "MD",
	"MA", "MI", "MN", "MS", "MO", "MT", "NE", "NV", "NH", "NJ",
	"NM", "NY", "NC", "ND", "OH", "OK", "OR", "PA", "RI", "SC",
	"SD", "TN", "TX", "UT", "VT", "VA", "WA", "WV", "WI", "WY",
}

var firstNames = []string{
	"James", "Mary", "John", "Patricia", "Robert", "Jennifer", "Michael", "Linda",
	"William", "Barbara", "David", "Elizabeth", "Richard", "Susan", "Joseph", "Jessica",
	"Thomas", "Sarah", "Charles", "Karen", "Christopher", "Nancy", "Daniel", "Lisa",
	"Matthew", "Betty", "Anthony", "Margaret", "Mark", "Sandra", "Donald", "Ashley",
	"Steven", "Kimberly", "Paul", "Emily", "Andrew", "Donna", "Joshua", "Michelle",
}

var lastNames = []string{
	"Smith", "Johnson", "Williams", "Brown", "Jones", "Garcia", "Miller", "Davis",
	"Rodriguez", "Martinez", "Hernandez", "Lopez", "Gonzalez", "Wilson", "Anderson",
	"Thomas", "Taylor", "Moore", "Jackson", "Martin", "Lee", "Perez", "Thompson",
	"White", "Harris", "Sanchez", "Clark", "Ramirez", "Lewis", "Robinson", "Walker",
	"Young", "Allen", "King", "Wright", "Scott", "Torres", "Nguyen", "Hill", "Flores",
}

var Directions = []string{"Inbound", "Outbound"}

var CrossingPurposes = []string{"personal", "business", "shipping"}

var CargoTypes = []string{
	"General Merchandise",
	"Machinery and Equipment",
	"Electronics",
	"Automotive Parts",
	"Textiles and Apparel",
	"Food and Beverages",
	"Agricultural Products",
	"Chemicals (non-hazardous)",
	"Hazardous Materials (Hazmat)",
	"Pharmaceuticals",
	"Medical Supplies",
	"Livestock and Animals",
	"Furniture",
	"Metal and Steel Products",
	"Wood and Lumber",
	"Plastics and Rubber Goods",
	"Household Goods/Personal Effects",
	"Paper Products",
	"Building Materials",
	"Containers",
	"Petroleum Products",
	"Minerals and Ores",
	"Toys and Games",
}

// Standard Carrier Alpha Codes, sample set
var scacCodes = []string{
	"ABCD", "EFGH", "IJKL", "MNOP", "QRST", "UVWX", "YZAB", "CDEF",
	"GHIJ", "KLMN", "OPQR", "STUV", "WXYZ", "MAEU", "CMDU", "COSCO",
}

const (
	uppercaseLetters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	digits           = "0123456789"
)

// Generator produces random crossing records. Not safe for concurrent use;
// give each goroutine its own instance.
type Generator struct {
	rng *rand.Rand
	now func() time.Time
}

// New creates a generator seeded from the current time.
func New() *Generator {
	return NewWithSeed(time.Now().UnixNano())
}

// NewWithSeed creates a deterministic generator, handy for tests.
func NewWithSeed(seed int64) *Generator {
	return &Generator{
		rng: rand.New(rand.NewSource(seed)),
		now: time.Now,
	}
}

func (g *Generator) pick(options []string) string {
	return options[g.rng.Intn(len(options))]
}

func (g *Generator) randomString(alphabet string, length int) string {
	var b strings.Builder
	for i := 0; i < length; i++ {
		b.WriteByte(alphabet[g.rng.Intn(len(alphabet))])
	}
	return b.String()
}

// LicensePlate generates a plate in format XX-YYY-123.
func (g *Generator) LicensePlate() string {
	return fmt.Sprintf("%s-%s-%s",
		g.pick(USStates),
		g.randomString(uppercaseLetters, 3),
		g.randomString(digits, 3),
	)
}

// OwnerName generates a random owner name.
func (g *Generator) OwnerName() string {
	return g.pick(firstNames) + " " + g.pick(lastNames)
}

// passengerCount fits the count to the vehicle type.
func (g *Generator) passengerCount(vehicleType string) int {
	switch vehicleType {
	case "motorcycle":
		return g.rng.Intn(3)
	case "tractor trailer":
		return 1 + g.rng.Intn(2)
	default:
		return g.rng.Intn(9)
	}
}

// expirationDate generates a future registration expiration, 30 days to 2
// years out.
func (g *Generator) expirationDate() string {
	daysAhead := 30 + g.rng.Intn(701)
	return g.now().AddDate(0, 0, daysAhead).Format("2006-01-02")
}

// VehicleDetails generates random vehicle details.
func (g *Generator) VehicleDetails() models.VehicleDetails {
	vehicleType := g.pick(VehicleTypes)
	return models.VehicleDetails{
		LicensePlateNumber: g.LicensePlate(),
		VehicleType:        vehicleType,
		OwnerName:          g.OwnerName(),
		RegistrationDetails: models.RegistrationDetails{
			State:          g.pick(USStates),
			ExpirationDate: g.expirationDate(),
		},
		PassengerCount: g.passengerCount(vehicleType),
	}
}

// CrossingEvent generates a crossing event within the last 24 hours.
func (g *Generator) CrossingEvent() models.CrossingEvent {
	hoursAgo := time.Duration(g.rng.Intn(25)) * time.Hour
	minutesAgo := time.Duration(g.rng.Intn(60)) * time.Minute
	timestamp := g.now().Add(-hoursAgo - minutesAgo)

	return models.CrossingEvent{
		Timestamp:               timestamp.UTC().Format("2006-01-02T15:04:05Z"),
		InteriorCheckpoints:     g.pick(TexasCheckpoints),
		Direction:               g.pick(Directions),
		LaneAssignment:          1 + g.rng.Intn(10),
		CrossingPurpose:         g.pick(CrossingPurposes),
		SecondaryInspectionFlag: g.rng.Float64() < 0.20,
	}
}

// ManifestID generates a manifest ID in SCAC format: AAAA + YY + sequence.
func (g *Generator) ManifestID() string {
	seqLength := 6 + g.rng.Intn(5)
	return g.pick(scacCodes) + g.now().Format("06") + g.randomString(digits, seqLength)
}

// ContainerID generates a 10 character alphanumeric container identifier.
func (g *Generator) ContainerID() string {
	return g.randomString(uppercaseLetters+digits, 10)
}

// CargoManifest generates random cargo manifest data.
func (g *Generator) CargoManifest() models.CargoManifest {
	cargoType := g.pick(CargoTypes)
	hazmat := cargoType == "Hazardous Materials (Hazmat)" || g.rng.Float64() < 0.10

	return models.CargoManifest{
		ManifestID:        g.ManifestID(),
		CargoType:         cargoType,
		HazardousMaterial: hazmat,
		ContainerID:       g.ContainerID(),
	}
}

// CrossingRecord generates a complete record; cargo is present only when the
// crossing purpose is shipping.
func (g *Generator) CrossingRecord() models.CrossingRecord {
	record := models.CrossingRecord{
		Vehicle:  g.VehicleDetails(),
		Crossing: g.CrossingEvent(),
	}

	if record.Crossing.CrossingPurpose == "shipping" {
		cargo := g.CargoManifest()
		record.Cargo = &cargo
	}

	return record
}
