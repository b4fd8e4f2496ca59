package model

import (
	"time"

	"github.com/google/uuid"
)

// Unit is the replicated record: one scored answer sheet entry.
//
// TimeStamp is the local time of the last mutation on this node. WriteTime is
// the origin time of the last last-writer-wins write that took effect and is
// what incoming flag/field ops are compared against.
type Unit struct {
	ID             uuid.UUID  `json:"id"`
	Answer         *string    `json:"answer,omitempty"`
	EventDate      *time.Time `json:"eventDate,omitempty"`
	EventName      *string    `json:"eventName,omitempty"`
	BlobHash       *string    `json:"blobHash,omitempty"`
	IsVerified     bool       `json:"isVerified"`
	IsProcessing   bool       `json:"isProcessing"`
	IsChallenged   bool       `json:"isChallenged"`
	IsIllegible    bool       `json:"isIllegible"`
	QuestionNumber int16      `json:"questionNumber"`
	TeamClub       *string    `json:"teamClub,omitempty"`
	TeamCode       *string    `json:"teamCode,omitempty"`
	TeamName       *string    `json:"teamName,omitempty"`
	TimeStamp      time.Time  `json:"timeStamp"`
	LastEditor     *string    `json:"lastEditor,omitempty"`
	WriteTime      time.Time  `json:"writeTime"`
}

// Field names accepted by createUnit and editFields.
const (
	FieldAnswer         = "answer"
	FieldEventDate      = "eventDate"
	FieldEventName      = "eventName"
	FieldQuestionNumber = "questionNumber"
	FieldTeamClub       = "teamClub"
	FieldTeamCode       = "teamCode"
	FieldTeamName       = "teamName"
)

// Snapshot is a point-in-time dump of every unit taken at a known sequence
// number. Used to bootstrap a joining replica without a full replay.
type Snapshot struct {
	Seq   uint64 `json:"seq"`
	Units []Unit `json:"units"`
}
