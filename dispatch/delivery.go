package dispatch

// Delivery status lattice: pending < assigned < in_flight < delivered.
// CAS preconditions prevent every transition from regressing.
const (
	StatusPending   = "pending"
	StatusAssigned  = "assigned"
	StatusInFlight  = "in_flight"
	StatusDelivered = "delivered"
)

const (
	LegToOrigin      = "to_origin"
	LegToDestination = "to_destination"
)

// DeliveriesIndex is the `deliveries_index` document: an append-only,
// creation-ordered sequence of delivery IDs.
type DeliveriesIndex struct {
	IDs []string `json:"ids"`
}

// Delivery is the `delivery:{id}` document.
type Delivery struct {
	ID              string  `json:"id"`
	Origin          LatLon  `json:"origin"`
	Destination     LatLon  `json:"destination"`
	Weight          float64 `json:"weight"`
	Status          string  `json:"status"`
	DroneID         *string `json:"drone_id"`
	Leg             *string `json:"leg"`
	OriginZone      string  `json:"origin_zone"`
	DestinationZone string  `json:"destination_zone"`
	Timestamp       float64 `json:"timestamp"`
}

func strPtr(s string) *string { return &s }

func legEquals(l *string, want string) bool {
	return l != nil && *l == want
}
