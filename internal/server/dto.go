package server

import (
	"portline/internal/cleanup"
	"portline/internal/domain"
	"portline/internal/engine"
)

// Request payloads

type CreatePortRequest struct {
	Owner           string  `json:"owner" minLength:"1"`
	PortNumber      int     `json:"port_number,omitempty" minimum:"0"`
	Reward          float64 `json:"reward" minimum:"0"`
	ResolveDelaySec int     `json:"resolve_delay_sec,omitempty" minimum:"0"`
}

type AssignPortsRequest struct {
	Owner     string  `json:"owner" minLength:"1"`
	Count     int     `json:"count" minimum:"1" maximum:"500"`
	RewardMin float64 `json:"reward_min,omitempty" minimum:"0"`
	RewardMax float64 `json:"reward_max,omitempty" minimum:"0"`
	DelayMin  int     `json:"delay_min,omitempty" minimum:"0"`
	DelayMax  int     `json:"delay_max,omitempty" minimum:"0"`
}

type WithdrawalRequestBody struct {
	Amount float64 `json:"amount" exclusiveMinimum:"0"`
}

type WithdrawalStatusRequest struct {
	Status string `json:"status" enum:"approved,rejected"`
}

type WalletResetRequest struct {
	TotalEarned float64 `json:"total_earned" minimum:"0"`
}

type CreateUserRequest struct {
	Username string `json:"username" minLength:"1"`
	IsAdmin  bool   `json:"is_admin,omitempty"`
}

// Responses

type ScanResponse struct {
	Discovered int `json:"discovered"`
}

type AssignPortsResponse struct {
	Items []domain.Port `json:"items"`
}

type WhoAmIResponse struct {
	Username string `json:"username"`
	Admin    bool   `json:"admin"`
	Source   string `json:"source"`
}

type UsersResponse struct {
	Items []domain.User `json:"items"`
}

type CleanupResponse struct {
	Report  cleanup.Report `json:"report"`
	NextRun string         `json:"next_run,omitempty"`
}

type ResultResponse = engine.Result
