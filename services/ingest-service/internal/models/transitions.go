package models

// Legal moves for the document lifecycle. Duplicate and archived are
// terminal; failed documents may be sent back through recognition.
var documentTransitions = map[string][]string{
	StatusProcessing: {StatusCompleted, StatusFailed, StatusDuplicate, StatusArchived},
	StatusFailed:     {StatusProcessing, StatusArchived},
	StatusCompleted:  {StatusArchived},
	StatusDuplicate:  {},
	StatusArchived:   {},
}

var ocrTransitions = map[string][]string{
	OCRPending:    {OCRProcessing},
	OCRProcessing: {OCRSuccess, OCRFailed},
	OCRFailed:     {OCRPending},
	// A forced rerun resets success back to pending.
	OCRSuccess: {OCRPending},
}

var processingTransitions = map[string][]string{
	ProcUnprocessed: {ProcProcessing},
	ProcProcessing:  {ProcCompleted, ProcFailed},
	ProcFailed:      {ProcProcessing},
	ProcCompleted:   {},
}

func canMove(table map[string][]string, from, to string) bool {
	if from == to {
		return true
	}
	for _, next := range table[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CanTransitionStatus reports whether a document may move between the two
// lifecycle states. Same-state writes are always allowed.
func CanTransitionStatus(from, to string) bool {
	return canMove(documentTransitions, from, to)
}

// CanTransitionOCR reports whether a document's recognition state may move.
func CanTransitionOCR(from, to string) bool {
	return canMove(ocrTransitions, from, to)
}

// CanTransitionProcessing reports whether an inbound message's processing
// state may move.
func CanTransitionProcessing(from, to string) bool {
	return canMove(processingTransitions, from, to)
}
