package model

import "fmt"

// ValidationCode is the outcome of checking a node or link configuration.
// Codes are returned, never thrown; callers map them to messages.
type ValidationCode int

const (
	Valid ValidationCode = iota
	UnnamedNode
	OnlyBlanksName
	NameAlreadyExists
	NoTarget
	SelfTarget
	TargetNotReceiver
	InvalidRate
	InvalidPayload
	InvalidGoS
	InvalidPortCount
	UnnamedLink
	LinkOnlyBlanksName
	LinkNameAlreadyExists
	MissingEnd1
	MissingEnd2
	SameEnds
	InvalidPort
	PortInUse
	InvalidDelay
	LinkTypeMismatch
)

var validationMessages = map[ValidationCode]string{
	Valid:                 "configuration is valid",
	UnnamedNode:           "the node must have a name",
	OnlyBlanksName:        "the node name cannot consist only of blanks",
	NameAlreadyExists:     "another node already uses that name",
	NoTarget:              "the sender needs a destination",
	SelfTarget:            "the sender cannot target itself",
	TargetNotReceiver:     "the destination must be a receiver",
	InvalidRate:           "the transfer rate must be positive",
	InvalidPayload:        "the payload size is out of range",
	InvalidGoS:            "unknown GoS level",
	InvalidPortCount:      "the node must have at least one port",
	UnnamedLink:           "the link must have a name",
	LinkOnlyBlanksName:    "the link name cannot consist only of blanks",
	LinkNameAlreadyExists: "another link already uses that name",
	MissingEnd1:           "end 1 of the link is not a node of the topology",
	MissingEnd2:           "end 2 of the link is not a node of the topology",
	SameEnds:              "both ends of the link are the same node",
	InvalidPort:           "the port number does not exist on that node",
	PortInUse:             "the port is already connected",
	InvalidDelay:          "the link delay must be positive",
	LinkTypeMismatch:      "the link kind does not match the kind of its end nodes",
}

// OK reports whether the code means "valid".
func (c ValidationCode) OK() bool { return c == Valid }

// Message returns the human-readable text for the code.
func (c ValidationCode) Message() string {
	if msg, ok := validationMessages[c]; ok {
		return msg
	}
	return fmt.Sprintf("validation code %d", int(c))
}

func (c ValidationCode) String() string { return c.Message() }

// Error lets a non-valid code be wrapped as an error by callers that need one.
func (c ValidationCode) Error() string { return c.Message() }
