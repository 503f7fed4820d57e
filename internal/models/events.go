package models

type EventClass string

const (
	EventClassMO   EventClass = "MO"
	EventClassPRM  EventClass = "PRM"
	EventClassTMO  EventClass = "TMO"
	EventClassTPRM EventClass = "TPRM"
)

type EventType string

const (
	EventCreated EventType = "CREATED"
	EventUpdated EventType = "UPDATED"
	EventDeleted EventType = "DELETED"
)
