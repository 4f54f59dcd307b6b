package domain

// Quiz is the subset of a quiz row needed to notify its owner.
type Quiz struct {
	ID              string `json:"id"`
	Title           string `json:"title"`
	OwnerTelegramID *int64 `json:"telegram_id,omitempty"`
}

// LeadAnswer is one question/answer pair submitted with a lead.
type LeadAnswer struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// Lead is a contact captured by a published quiz.
type Lead struct {
	QuizID  string       `json:"quiz_id"`
	Name    string       `json:"lead_name,omitempty"`
	Phone   string       `json:"lead_phone,omitempty"`
	Email   string       `json:"lead_email,omitempty"`
	Answers []LeadAnswer `json:"answers,omitempty"`
}
