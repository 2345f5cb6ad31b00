package domain

import "time"

// Deploy record statuses.
const (
	DeployStatusSuccess   = "success"
	DeployStatusFailed    = "failed"
	DeployStatusPending   = "pending"
	DeployStatusCancelled = "cancelled"
)

// Pod statuses.
const (
	PodStatusRunning    = "running"
	PodStatusPending    = "pending"
	PodStatusFailed     = "failed"
	PodStatusTerminated = "terminated"
)

// DeployCommit identifies the commit a deploy record shipped.
type DeployCommit struct {
	Hash   string `json:"hash" yaml:"hash"`
	Author string `json:"author" yaml:"author"`
}

// PodRecord is a placeholder pod belonging to a replica set.
type PodRecord struct {
	ID           string `json:"id" yaml:"id"`
	Name         string `json:"name" yaml:"name"`
	Status       string `json:"status" yaml:"status"`
	Node         string `json:"node" yaml:"node"`
	RestartCount int    `json:"restart_count" yaml:"restart_count"`
	CreatedAt    string `json:"created_at" yaml:"created_at"`
}

// PodStatusSummary counts pods per terminal bucket.
type PodStatusSummary struct {
	Running    int `json:"running" yaml:"running"`
	Failed     int `json:"failed" yaml:"failed"`
	Terminated int `json:"terminated" yaml:"terminated"`
}

// ReplicaSetRecord groups pods created by one rollout.
type ReplicaSetRecord struct {
	ID        string           `json:"id" yaml:"id"`
	Name      string           `json:"name" yaml:"name"`
	CreatedAt string           `json:"created_at" yaml:"created_at"`
	PodStatus PodStatusSummary `json:"pod_status" yaml:"pod_status"`
	Uptime    string           `json:"uptime" yaml:"uptime"`
	IsCurrent bool             `json:"is_current" yaml:"is_current"`
	Pods      []PodRecord      `json:"pods" yaml:"pods"`
}

// DeployRecord is a mocked deployment of a project environment.
type DeployRecord struct {
	ID          string             `json:"id" yaml:"id"`
	ProjectID   string             `json:"project_id" yaml:"project_id"`
	DeployID    string             `json:"deploy_id" yaml:"deploy_id"`
	Commit      DeployCommit       `json:"commit" yaml:"commit"`
	Environment string             `json:"environment" yaml:"environment"`
	Status      string             `json:"status" yaml:"status"`
	Duration    string             `json:"duration" yaml:"duration"`
	DeployedAt  time.Time          `json:"deployed_at" yaml:"deployed_at"`
	ReplicaSets []ReplicaSetRecord `json:"replica_sets" yaml:"replica_sets"`
}

// Pod looks up a pod by id across every replica set.
func (d DeployRecord) Pod(podID string) (*PodRecord, bool) {
	for i := range d.ReplicaSets {
		for j := range d.ReplicaSets[i].Pods {
			if d.ReplicaSets[i].Pods[j].ID == podID {
				pod := d.ReplicaSets[i].Pods[j]
				return &pod, true
			}
		}
	}
	return nil, false
}

// Clone returns a deep copy of the record including replica sets and pods.
func (d DeployRecord) Clone() DeployRecord {
	out := d
	if d.ReplicaSets != nil {
		out.ReplicaSets = make([]ReplicaSetRecord, len(d.ReplicaSets))
		for i, rs := range d.ReplicaSets {
			rs.Pods = append([]PodRecord(nil), rs.Pods...)
			out.ReplicaSets[i] = rs
		}
	}
	return out
}
