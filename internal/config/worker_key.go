package config

type WorkerKeyStruct struct {
	QuarantineEventsQueue string
}

var WorkerKey = &WorkerKeyStruct{
	QuarantineEventsQueue: "quarantine_proctoring_events_queue",
}
