package orders

// Status is the order's shipping status. Only the settlement path may move an
// order past StatusPrepare.
type Status string

const (
	StatusPrepare Status = "prepare" // draft created by Prepare, awaiting payment
	StatusPending Status = "pending" // payment verified, settlement applied
	StatusReady   Status = "ready"   // fulfillment picked up the order
	StatusShipped Status = "shipped"
	StatusConfirm Status = "confirm" // terminal success
	StatusCancel  Status = "cancel"  // terminal failure / rollback
)

var validNext = map[Status]map[Status]bool{
	StatusPrepare: {StatusPending: true, StatusCancel: true},
	StatusPending: {StatusReady: true, StatusCancel: true},
	StatusReady:   {StatusShipped: true},
	StatusShipped: {StatusConfirm: true},
	StatusConfirm: {},
	StatusCancel:  {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}
