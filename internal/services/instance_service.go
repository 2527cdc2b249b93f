package services

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ferrydb/ferry/internal/config"
	"github.com/ferrydb/ferry/internal/logging"
	"github.com/ferrydb/ferry/internal/models"
	"github.com/ferrydb/ferry/internal/store"
	"github.com/ferrydb/ferry/internal/transport"
)

const (
	// InstancesCollection persists registered remote instances.
	InstancesCollection = "migration_instances"

	probeTimeout = 10 * time.Second
)

// InstanceService is the registry of remote instances transfers can
// target. API keys are stored encrypted under a key derived from the
// configured secret and only ever decrypted in-process, so a transfer by
// instance ID survives restarts without the raw key touching the store.
type InstanceService struct {
	store  store.DocumentStore
	pool   *transport.Pool
	aead   cipher.AEAD
	logger *logging.Logger
}

// NewInstanceService derives the API key cipher from the configured
// secret. An empty secret disables the registry, so it is an error here.
func NewInstanceService(st store.DocumentStore, pool *transport.Pool, cfg config.SecurityConfig, logger *logging.Logger) (*InstanceService, error) {
	if cfg.APIKeySecret == "" {
		return nil, errors.New("security.api_key_secret is required for the instance registry")
	}

	key := sha256.Sum256([]byte(cfg.APIKeySecret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("deriving api key cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("deriving api key cipher: %w", err)
	}

	return &InstanceService{
		store:  st,
		pool:   pool,
		aead:   aead,
		logger: logger,
	}, nil
}

// Register validates the instance, probes it once, and persists it with
// the API key encrypted. Unreachable instances are rejected rather than
// stored, so every registry entry has answered a health check at least
// once.
func (s *InstanceService) Register(ctx context.Context, req *models.RegisterInstanceRequest) (*models.Instance, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	existing, err := s.store.Find(ctx, InstancesCollection, store.Filter{"base_url": req.BaseURL}, "", 1)
	if err != nil {
		return nil, NewServiceError(CodeStoreUnavailable, fmt.Sprintf("check existing instances: %v", err))
	}
	if len(existing) > 0 {
		return nil, NewServiceError(CodeConflict, "an instance with this base_url is already registered")
	}

	elapsed, probeErr := s.probe(ctx, req.BaseURL, req.APIKey)
	if probeErr != nil {
		return nil, NewServiceError(CodeNodeUnavailable,
			fmt.Sprintf("instance health check failed: %v", probeErr))
	}

	encrypted, err := s.encrypt(req.APIKey)
	if err != nil {
		return nil, NewServiceError(CodeInternal, fmt.Sprintf("encrypt instance api key: %v", err))
	}

	now := time.Now().UTC()
	inst := &models.Instance{
		InstanceID:      "inst-" + uuid.NewString(),
		Name:            req.Name,
		BaseURL:         req.BaseURL,
		EncryptedAPIKey: encrypted,
		LastTestedAt:    &now,
		Reachable:       true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	doc, err := instanceToDocument(inst)
	if err != nil {
		return nil, NewServiceError(CodeInternal, fmt.Sprintf("encode instance: %v", err))
	}
	if err := s.store.InsertOne(ctx, InstancesCollection, doc); err != nil {
		return nil, NewServiceError(CodeStoreUnavailable, fmt.Sprintf("persist instance: %v", err))
	}

	s.logger.Info("instance registered",
		"instance_id", inst.InstanceID,
		"name", inst.Name,
		"base_url", inst.BaseURL,
		"probe_ms", elapsed)
	return inst, nil
}

// List returns all registered instances in registration order.
func (s *InstanceService) List(ctx context.Context) (*models.InstanceListResponse, error) {
	docs, err := s.store.Find(ctx, InstancesCollection, nil, "", 0)
	if err != nil {
		return nil, NewServiceError(CodeStoreUnavailable, fmt.Sprintf("list instances: %v", err))
	}

	instances := make([]models.Instance, 0, len(docs))
	for _, doc := range docs {
		inst, err := instanceFromDocument(doc)
		if err != nil {
			s.logger.Warn("skipping malformed instance record", "error", err)
			continue
		}
		instances = append(instances, *inst)
	}
	sort.Slice(instances, func(i, j int) bool {
		if instances[i].CreatedAt.Equal(instances[j].CreatedAt) {
			return instances[i].InstanceID < instances[j].InstanceID
		}
		return instances[i].CreatedAt.Before(instances[j].CreatedAt)
	})

	return &models.InstanceListResponse{Instances: instances, Count: len(instances)}, nil
}

// Get returns one registered instance.
func (s *InstanceService) Get(ctx context.Context, instanceID string) (*models.Instance, error) {
	docs, err := s.store.Find(ctx, InstancesCollection, store.Filter{"instance_id": instanceID}, "", 1)
	if err != nil {
		return nil, NewServiceError(CodeStoreUnavailable, fmt.Sprintf("load instance: %v", err))
	}
	if len(docs) == 0 {
		return nil, NewServiceError(CodeNotFound, "instance not found: "+instanceID)
	}
	inst, err := instanceFromDocument(docs[0])
	if err != nil {
		return nil, NewServiceError(CodeInternal, fmt.Sprintf("decode instance record: %v", err))
	}
	return inst, nil
}

// Delete removes an instance from the registry.
func (s *InstanceService) Delete(ctx context.Context, instanceID string) error {
	if err := s.store.DeleteOne(ctx, InstancesCollection, instanceID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return NewServiceError(CodeNotFound, "instance not found: "+instanceID)
		}
		return NewServiceError(CodeStoreUnavailable, fmt.Sprintf("delete instance: %v", err))
	}
	s.logger.Info("instance deleted", "instance_id", instanceID)
	return nil
}

// TestConnection probes the instance and records the outcome. Unlike
// Register, an unreachable instance is reported, not an error.
func (s *InstanceService) TestConnection(ctx context.Context, instanceID string) (*models.ConnectionTestResponse, error) {
	inst, err := s.Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	apiKey, err := s.decrypt(inst.EncryptedAPIKey)
	if err != nil {
		return nil, NewServiceError(CodeInternal, fmt.Sprintf("decrypt instance api key: %v", err))
	}

	resp := &models.ConnectionTestResponse{InstanceID: instanceID, Reachable: true}
	elapsed, probeErr := s.probe(ctx, inst.BaseURL, apiKey)
	resp.ElapsedMS = elapsed
	if probeErr != nil {
		resp.Reachable = false
		resp.Error = probeErr.Error()
	}

	now := time.Now().UTC()
	set := models.Document{
		"reachable":      resp.Reachable,
		"last_tested_at": now.Format(time.RFC3339Nano),
		"updated_at":     now.Format(time.RFC3339Nano),
	}
	if err := s.store.UpdateOne(ctx, InstancesCollection, instanceID, set); err != nil {
		s.logger.Warn("failed to record connection test", "instance_id", instanceID, "error", err)
	}

	return resp, nil
}

// ResolveTarget returns the base URL and decrypted API key for a
// registered instance. This is what lets a transfer request name an
// instance instead of carrying credentials.
func (s *InstanceService) ResolveTarget(ctx context.Context, instanceID string) (string, string, error) {
	inst, err := s.Get(ctx, instanceID)
	if err != nil {
		return "", "", err
	}
	apiKey, err := s.decrypt(inst.EncryptedAPIKey)
	if err != nil {
		return "", "", NewServiceError(CodeInternal, fmt.Sprintf("decrypt instance api key: %v", err))
	}
	return inst.BaseURL, apiKey, nil
}

func (s *InstanceService) probe(ctx context.Context, baseURL, apiKey string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	headers := map[string]string{}
	if apiKey != "" {
		headers["X-API-Key"] = apiKey
	}

	start := time.Now()
	err := s.pool.GetJSON(ctx, baseURL, "/health", headers, nil)
	elapsed := time.Since(start).Milliseconds()
	return elapsed, err
}

func (s *InstanceService) encrypt(plaintext string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (s *InstanceService) decrypt(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	if len(raw) < s.aead.NonceSize() {
		return "", errors.New("ciphertext shorter than nonce")
	}
	nonce, ciphertext := raw[:s.aead.NonceSize()], raw[s.aead.NonceSize():]
	plain, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// instanceToDocument keeps the encrypted key out of the JSON tags, so it
// is carried as an explicit field here.
func instanceToDocument(inst *models.Instance) (models.Document, error) {
	raw, err := json.Marshal(inst)
	if err != nil {
		return nil, err
	}
	var doc models.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	doc["_id"] = inst.InstanceID
	doc["encrypted_api_key"] = inst.EncryptedAPIKey
	return doc, nil
}

func instanceFromDocument(doc models.Document) (*models.Instance, error) {
	encrypted, _ := doc["encrypted_api_key"].(string)

	cp := make(models.Document, len(doc))
	for k, v := range doc {
		cp[k] = v
	}
	delete(cp, "_id")
	delete(cp, "encrypted_api_key")

	raw, err := json.Marshal(cp)
	if err != nil {
		return nil, err
	}
	var inst models.Instance
	if err := json.Unmarshal(raw, &inst); err != nil {
		return nil, err
	}
	if inst.InstanceID == "" {
		return nil, errors.New("instance record missing instance_id")
	}
	inst.EncryptedAPIKey = encrypted
	return &inst, nil
}
