package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// NodeExecutorSettings is the runtime configuration the dispatcher and
// orchestrator snapshot per run. Persisted as a single JSON row.
type NodeExecutorSettings struct {
	DispatchTimeoutSeconds      int    `json:"dispatch_timeout_seconds"`
	ExecutionTimeoutSeconds     int    `json:"execution_timeout_seconds"`
	LogCollectionTimeoutSeconds int    `json:"log_collection_timeout_seconds"`
	CancelGraceTimeoutSeconds   int    `json:"cancel_grace_timeout_seconds"`
	CancelForceKillEnabled      bool   `json:"cancel_force_kill_enabled"`
	WorkspaceIdentityKey        string `json:"workspace_identity_key"`
	K8sNamespace                string `json:"k8s_namespace"`
	K8sFrontierImage            string `json:"k8s_frontier_image"`
	K8sFrontierImageTag         string `json:"k8s_frontier_image_tag"`
	K8sVLLMImage                string `json:"k8s_vllm_image"`
	K8sVLLMImageTag             string `json:"k8s_vllm_image_tag"`
	K8sInCluster                bool   `json:"k8s_in_cluster"`
	K8sServiceAccount           string `json:"k8s_service_account"`
	K8sKubeconfig               string `json:"k8s_kubeconfig,omitempty"`
	K8sGPULimit                 int    `json:"k8s_gpu_limit"`
	K8sJobTTLSeconds            int    `json:"k8s_job_ttl_seconds"`
	K8sImagePullSecret          string `json:"k8s_image_pull_secret,omitempty"`
	PodTemplateOverlayYAML      string `json:"pod_template_overlay_yaml,omitempty"`
	AgentRuntimeCutoverEnabled  bool   `json:"agent_runtime_cutover_enabled"`
}

// DefaultNodeExecutorSettings returns production defaults.
func DefaultNodeExecutorSettings() NodeExecutorSettings {
	return NodeExecutorSettings{
		DispatchTimeoutSeconds:      120,
		ExecutionTimeoutSeconds:     3600,
		LogCollectionTimeoutSeconds: 30,
		CancelGraceTimeoutSeconds:   30,
		CancelForceKillEnabled:      true,
		WorkspaceIdentityKey:        "default",
		K8sNamespace:                "llmctl",
		K8sFrontierImage:            "ghcr.io/marcus-qen/llmctl-executor",
		K8sFrontierImageTag:         "latest",
		K8sVLLMImage:                "ghcr.io/marcus-qen/llmctl-executor-vllm",
		K8sVLLMImageTag:             "latest",
		K8sInCluster:                true,
		K8sJobTTLSeconds:            3600,
	}
}

// GetNodeExecutorSettings reads the settings row, falling back to defaults
// when none has been saved yet.
func (s *Store) GetNodeExecutorSettings() (NodeExecutorSettings, error) {
	var payload string
	err := s.db.QueryRow(`SELECT payload FROM node_executor_settings WHERE id = 1`).Scan(&payload)
	if err == sql.ErrNoRows {
		return DefaultNodeExecutorSettings(), nil
	}
	if err != nil {
		return NodeExecutorSettings{}, err
	}
	settings := DefaultNodeExecutorSettings()
	if err := json.Unmarshal([]byte(payload), &settings); err != nil {
		return NodeExecutorSettings{}, fmt.Errorf("decode executor settings: %w", err)
	}
	return settings, nil
}

// SaveNodeExecutorSettings replaces the settings row, staging events in
// the same transaction so subscribers observe the change.
func (s *Store) SaveNodeExecutorSettings(settings NodeExecutorSettings, events []EventDraft) error {
	payload, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode executor settings: %w", err)
	}
	now := time.Now().UTC()
	return s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(s.d.rebind(`UPDATE node_executor_settings SET payload = ?, updated_at = ? WHERE id = 1`),
			string(payload), now.Format(time.RFC3339Nano))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			if _, err := tx.Exec(s.d.rebind(`INSERT INTO node_executor_settings (id, payload, updated_at) VALUES (1, ?, ?)`),
				string(payload), now.Format(time.RFC3339Nano)); err != nil {
				return err
			}
		}
		return s.stageEventsTx(tx, now, events)
	})
}

// PutIntegrationSetting stores one encrypted credential blob. The store
// never sees plaintext; the credentials codec owns encryption.
func (s *Store) PutIntegrationSetting(provider, key string, ciphertext []byte) error {
	if provider == "" || key == "" {
		return fmt.Errorf("integration setting requires provider and key")
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(s.d.rebind(`UPDATE integration_settings SET ciphertext = ?, updated_at = ?
			WHERE provider = ? AND setting_key = ?`),
			string(ciphertext), now, provider, key)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
		_, err = tx.Exec(s.d.rebind(`INSERT INTO integration_settings (provider, setting_key, ciphertext, updated_at)
			VALUES (?, ?, ?, ?)`),
			provider, key, string(ciphertext), now)
		return err
	})
}

// GetIntegrationSetting returns one encrypted blob.
func (s *Store) GetIntegrationSetting(provider, key string) ([]byte, error) {
	var ciphertext string
	err := s.db.QueryRow(s.d.rebind(`SELECT ciphertext FROM integration_settings
		WHERE provider = ? AND setting_key = ?`), provider, key).Scan(&ciphertext)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return []byte(ciphertext), nil
}

// DeleteIntegrationSetting removes one stored credential.
func (s *Store) DeleteIntegrationSetting(provider, key string) error {
	res, err := s.db.Exec(s.d.rebind(`DELETE FROM integration_settings WHERE provider = ? AND setting_key = ?`), provider, key)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
