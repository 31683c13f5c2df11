package pipeline

// Stage is a message's position in the pipeline.
type Stage int

const (
	Received Stage = iota
	Validated
	Persisted
	Distributed
	Acknowledged
	Rejected
)

func (s Stage) String() string {
	switch s {
	case Received:
		return "received"
	case Validated:
		return "validated"
	case Persisted:
		return "persisted"
	case Distributed:
		return "distributed"
	case Acknowledged:
		return "acknowledged"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}
