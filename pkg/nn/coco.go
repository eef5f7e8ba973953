package nn

const (
	COCOPerson     = 0
	COCOBicycle    = 1
	COCOCar        = 2
	COCOMotorcycle = 3
	COCOBus        = 5
	COCOTruck      = 7

	// Our detector is fine-tuned with an extra class that reuses COCO's "traffic light" slot
	ClassAmbulance = 9
)

// VehicleType names the vehicle classes we care about
type VehicleType string

const (
	VehicleBicycle    VehicleType = "bicycle"
	VehicleCar        VehicleType = "car"
	VehicleMotorcycle VehicleType = "motorcycle"
	VehicleBus        VehicleType = "bus"
	VehicleTruck      VehicleType = "truck"
	VehicleAmbulance  VehicleType = "ambulance"
)

var vehicleClasses = map[int]VehicleType{
	COCOBicycle:    VehicleBicycle,
	COCOCar:        VehicleCar,
	COCOMotorcycle: VehicleMotorcycle,
	COCOBus:        VehicleBus,
	COCOTruck:      VehicleTruck,
	ClassAmbulance: VehicleAmbulance,
}

// VehicleTypeOf returns the vehicle type for a detector class, or false if the class is not a vehicle
func VehicleTypeOf(class int) (VehicleType, bool) {
	v, ok := vehicleClasses[class]
	return v, ok
}

func IsPerson(class int) bool {
	return class == COCOPerson
}

func IsVehicle(class int) bool {
	_, ok := vehicleClasses[class]
	return ok
}

// IsHeavy is true for buses and trucks
func (v VehicleType) IsHeavy() bool {
	return v == VehicleBus || v == VehicleTruck
}
