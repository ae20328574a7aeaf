package assistant

import (
	"github.com/nonegit2301/mini-apartment/app/service/search"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

type Message struct {
	ID      int             `json:"id"`
	Role    Role            `json:"role"`
	Text    string          `json:"text"`
	Filters *search.Partial `json:"filters,omitempty"`
}

// Reply is what the extractor produced for one utterance.
type Reply struct {
	Text    string
	Filters *search.Partial
}

type extraction struct {
	Response string          `json:"response"`
	Filters  *search.Partial `json:"filters"`
}
