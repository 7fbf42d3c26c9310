package task

// Wire capacities shared with the encoder.
const (
	// MaxChain bounds the SQEs one task may occupy.
	MaxChain = 16

	// CcuLeadWords argument words fit after the CCU fields of a 128-byte record's first SQE.
	CcuLeadWords = 5
	// CcuContWords argument words fill the headerless continuation SQE.
	CcuContWords = 8
	// CcuWideMaxWords is the largest argument block a wide record carries.
	CcuWideMaxWords = 13
	// CcuNarrowWords is the argument block of a 32-byte record.
	CcuNarrowWords = 1

	// MaxMissionID is the highest CCU mission id.
	MaxMissionID = 15

	// UbMaxDoorbells is how many doorbells a single SQE rings.
	UbMaxDoorbells = 2
)

// CcuWideSQEs is the number of SQEs one wide CCU record of n argument words occupies.
func CcuWideSQEs(n int) int {
	if n <= CcuLeadWords {
		return 1
	}
	rest := n - CcuLeadWords
	return 1 + (rest+CcuContWords-1)/CcuContWords
}

// CcuGroupSQEs counts the SQEs for a CCU group. Narrow records pack two per SQE.
func CcuGroupSQEs(tasks []CcuTask) int {
	if len(tasks) == 0 {
		return 0
	}
	if !tasks[0].Wide() {
		return (len(tasks) + 1) / 2
	}
	n := 0
	for _, t := range tasks {
		n += CcuWideSQEs(len(t.Args))
	}
	return n
}

// UbDirectSQEs is the SQE count for an inline work-queue element.
func UbDirectSQEs(wqeSize uint8) int {
	if wqeSize == 1 {
		return 3
	}
	return 2
}

func sqeCount(k Kind, p Payload) int {
	switch v := p.(type) {
	case Fusion:
		n := 0
		for _, s := range v.Subs {
			switch s.Kind {
			case FusionCCU:
				n += CcuGroupSQEs(s.Ccu)
			default:
				n++
			}
		}
		return n
	case CcuLaunch:
		return CcuGroupSQEs([]CcuTask{v.Task})
	case UbDirectSend:
		return UbDirectSQEs(v.WqeSize)
	}
	return 1
}
