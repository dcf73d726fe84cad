// Package taskstore keeps task metadata on disk, one directory per task:
//
//	<root>/<taskID>/task.yaml
//	<root>/<taskID>/artifacts/...   optional prior ArtifactSet
package taskstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/anomalyco/patchpilot/internal/artifact"
	"github.com/anomalyco/patchpilot/internal/contracts"
	"gopkg.in/yaml.v3"
)

const (
	TaskFile     = "task.yaml"
	ArtifactsDir = "artifacts"
)

var ErrInvalidTaskID = errors.New("invalid task id")

type taskFile struct {
	Title        string            `yaml:"title"`
	Description  string            `yaml:"description"`
	Language     string            `yaml:"language,omitempty"`
	Requirements []string          `yaml:"requirements,omitempty"`
	Metadata     map[string]string `yaml:"metadata,omitempty"`
}

type Store struct {
	root string
}

var _ contracts.TaskStore = (*Store)(nil)

func New(root string) *Store {
	return &Store{root: root}
}

func (s *Store) Root() string {
	return s.root
}

func (s *Store) GetTask(_ context.Context, taskID string) (contracts.Task, error) {
	dir, err := s.taskDir(taskID)
	if err != nil {
		return contracts.Task{}, err
	}
	data, err := os.ReadFile(filepath.Join(dir, TaskFile))
	if errors.Is(err, os.ErrNotExist) {
		return contracts.Task{}, fmt.Errorf("%w: %s", contracts.ErrTaskNotFound, taskID)
	}
	if err != nil {
		return contracts.Task{}, err
	}

	var file taskFile
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return contracts.Task{}, fmt.Errorf("parse %s for task %s: %w", TaskFile, taskID, err)
	}

	task := contracts.Task{
		ID:           taskID,
		Title:        file.Title,
		Description:  file.Description,
		Language:     file.Language,
		Requirements: file.Requirements,
		Metadata:     file.Metadata,
	}
	prior, err := artifact.LoadDir(filepath.Join(dir, ArtifactsDir))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return contracts.Task{}, fmt.Errorf("load prior artifacts for task %s: %w", taskID, err)
	}
	if len(prior) > 0 {
		task.PriorArtifacts = prior
	}
	return task, nil
}

// PutTask writes task.yaml and replaces the prior artifacts directory.
func (s *Store) PutTask(_ context.Context, task contracts.Task) error {
	dir, err := s.taskDir(task.ID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(taskFile{
		Title:        task.Title,
		Description:  task.Description,
		Language:     task.Language,
		Requirements: task.Requirements,
		Metadata:     task.Metadata,
	})
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, TaskFile), data, 0o644); err != nil {
		return err
	}
	artifactsDir := filepath.Join(dir, ArtifactsDir)
	if err := os.RemoveAll(artifactsDir); err != nil {
		return err
	}
	if len(task.PriorArtifacts) == 0 {
		return nil
	}
	return artifact.Materialize(artifactsDir, task.PriorArtifacts)
}

// List returns the ids of every stored task in lexical order.
func (s *Store) List(context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ids := []string{}
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.root, entry.Name(), TaskFile)); err == nil {
			ids = append(ids, entry.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// ValidateID rejects ids that cannot name a task directory.
func ValidateID(taskID string) error {
	if taskID == "" || strings.ContainsAny(taskID, `/\`) || strings.HasPrefix(taskID, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidTaskID, taskID)
	}
	return nil
}

func (s *Store) taskDir(taskID string) (string, error) {
	taskID = strings.TrimSpace(taskID)
	if err := ValidateID(taskID); err != nil {
		return "", err
	}
	return filepath.Join(s.root, taskID), nil
}
