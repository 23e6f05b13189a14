package api

import (
	"github.com/okvist/collabd/internal/domain"
)

type startSessionRequest struct {
	Task          string `json:"task" binding:"required"`
	Mode          string `json:"mode" binding:"required"`
	PreferredLead string `json:"preferredLead"`
	ContextID     string `json:"contextId"`
}

type claimTaskRequest struct {
	AgentID string `json:"agentId" binding:"required"`
}

type progressRequest struct {
	AgentID                   string   `json:"agentId" binding:"required"`
	PercentComplete           int      `json:"percentComplete"`
	CurrentStep               string   `json:"currentStep"`
	FilesModified             []string `json:"filesModified"`
	EstimatedRemainingSeconds int      `json:"estimatedRemainingSeconds"`
}

type completeTaskRequest struct {
	AgentID       string            `json:"agentId" binding:"required"`
	Success       *bool             `json:"success" binding:"required"`
	Output        string            `json:"output"`
	FilesModified []string          `json:"filesModified"`
	Error         *domain.TaskError `json:"error"`
}

type registerAgentRequest struct {
	Agent        string   `json:"agent" binding:"required"`
	Capabilities []string `json:"capabilities"`
	Version      string   `json:"version"`
}

type handoffRequest struct {
	TaskID       string   `json:"taskId" binding:"required"`
	FromAgent    string   `json:"fromAgent" binding:"required"`
	ToAgent      string   `json:"toAgent" binding:"required"`
	Reason       string   `json:"reason"`
	CurrentState string   `json:"currentState"`
	NextSteps    []string `json:"nextSteps"`
}

type acceptHandoffRequest struct {
	AgentID string `json:"agentId" binding:"required"`
}

type saveContextRequest struct {
	Messages    []domain.Message  `json:"messages"`
	SharedState map[string]string `json:"sharedState"`
}

type resolveConflictRequest struct {
	Strategy     string `json:"strategy" binding:"required"`
	FinalContent string `json:"finalContent"`
	ResolvedBy   string `json:"resolvedBy" binding:"required"`
}
