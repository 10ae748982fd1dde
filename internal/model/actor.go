package model

import "time"

// ActorStatus 由上游账户系统维护，风控只读。
type ActorStatus string

const (
	ActorActive     ActorStatus = "active"
	ActorUnverified ActorStatus = "unverified"
	ActorSuspended  ActorStatus = "suspended"
)

// Actor 买家账户标记。表里没有记录的 actor 视为 active。
type Actor struct {
	ID        string      `gorm:"size:64;primarykey" json:"id"`
	Status    ActorStatus `gorm:"size:16;not null;default:active" json:"status"`
	UpdatedAt time.Time   `json:"updated_at"`
}

func (Actor) TableName() string { return "actors" }
