package generator

import (
	"regexp"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLicensePlate(t *testing.T) {
	g := NewWithSeed(1)
	pattern := regexp.MustCompile(`^[A-Z]{2}-[A-Z]{3}-\d{3}$`)

	for i := 0; i < 50; i++ {
		plate := g.LicensePlate()
		assert.Regexp(t, pattern, plate)
	}
}

func TestManifestID(t *testing.T) {
	g := NewWithSeed(1)
	pattern := regexp.MustCompile(`^[A-Z]{4}\d{2}\d{6,10}$`)

	for i := 0; i < 50; i++ {
		assert.Regexp(t, pattern, g.ManifestID())
	}
}

func TestContainerID(t *testing.T) {
	g := NewWithSeed(1)
	pattern := regexp.MustCompile(`^[A-Z0-9]{10}$`)

	for i := 0; i < 50; i++ {
		assert.Regexp(t, pattern, g.ContainerID())
	}
}

func TestVehicleDetails(t *testing.T) {
	g := NewWithSeed(7)

	t.Run("should bound passenger count by vehicle type", func(t *testing.T) {
		for i := 0; i < 200; i++ {
			vehicle := g.VehicleDetails()
			switch vehicle.VehicleType {
			case "motorcycle":
				assert.LessOrEqual(t, vehicle.PassengerCount, 2)
			case "tractor trailer":
				assert.GreaterOrEqual(t, vehicle.PassengerCount, 1)
				assert.LessOrEqual(t, vehicle.PassengerCount, 2)
			default:
				assert.LessOrEqual(t, vehicle.PassengerCount, 8)
			}
		}
	})
}

func TestCrossingRecord(t *testing.T) {
	t.Run("should attach cargo only for shipping crossings", func(t *testing.T) {
		g := NewWithSeed(42)
		sawShipping := false
		sawOther := false

		for i := 0; i < 200; i++ {
			record := g.CrossingRecord()
			if record.Crossing.CrossingPurpose == "shipping" {
				sawShipping = true
				assert.NotNil(t, record.Cargo)
			} else {
				sawOther = true
				assert.Nil(t, record.Cargo)
			}
		}

		assert.True(t, sawShipping)
		assert.True(t, sawOther)
	})

	t.Run("should produce records that pass validation", func(t *testing.T) {
		g := NewWithSeed(42)
		validate := validator.New()

		for i := 0; i < 100; i++ {
			record := g.CrossingRecord()
			require.NoError(t, validate.Struct(record))
		}
	})

	t.Run("should be deterministic for a fixed seed", func(t *testing.T) {
		first := NewWithSeed(99).CrossingRecord()
		second := NewWithSeed(99).CrossingRecord()
		assert.Equal(t, first.Vehicle.LicensePlateNumber, second.Vehicle.LicensePlateNumber)
		assert.Equal(t, first.Crossing.InteriorCheckpoints, second.Crossing.InteriorCheckpoints)
	})
}
