package study

// Participant is a member enrolled in a completed study, as reported by the
// study service. AbsenceCount is nil when attendance was never recorded.
type Participant struct {
	ParticipantID int64 `json:"participantId"`
	MemberID      int64 `json:"memberId"`
	DepositPaid   int64 `json:"depositPaid"`
	AbsenceCount  *int  `json:"absenceCount"`
}

// CompletedStudy is a study whose lifecycle status is completed and which
// has not been settled yet.
type CompletedStudy struct {
	ID                int64         `json:"studyId"`
	Title             string        `json:"title"`
	DepositAmount     int64         `json:"depositAmount"`
	PenaltyPerAbsence *int64        `json:"penaltyPerAbsence"`
	Participants      []Participant `json:"participants"`
}

// PayingParticipants returns participants with a positive deposit.
func (s CompletedStudy) PayingParticipants() []Participant {
	paying := make([]Participant, 0, len(s.Participants))
	for _, p := range s.Participants {
		if p.DepositPaid > 0 {
			paying = append(paying, p)
		}
	}
	return paying
}
