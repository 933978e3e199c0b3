package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/gdsfactory/gdatasea/internal/infra/persistence/memory"
	"github.com/gdsfactory/gdatasea/pkg/domain"
)

func openTestStore(t *testing.T, path string) *Store {
	t.Helper()
	s, err := NewStore(path, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStatePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "gdatasea.db")
	ctx := context.Background()

	s := openTestStore(t, path)
	var project domain.Project
	var cell domain.Cell
	if err := s.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var err error
		project, err = tx.CreateProject(domain.Project{ProjectID: "P1", Suffix: "A1"})
		if err != nil {
			return err
		}
		cell, err = tx.CreateCell(domain.Cell{CellID: "mzi", ProjectPkey: project.Pkey})
		return err
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened := openTestStore(t, path)
	got, ok := reopened.GetProject(project.Pkey)
	if !ok || got.ProjectID != "P1" {
		t.Fatalf("project not reloaded: %+v ok=%v", got, ok)
	}
	if !got.Timestamp.Equal(project.Timestamp) {
		t.Fatalf("timestamp drifted on reload: %v vs %v", got.Timestamp, project.Timestamp)
	}
	if _, ok := reopened.GetCell(cell.Pkey); !ok {
		t.Fatalf("cell not reloaded")
	}
}

func TestSequencesSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gdatasea.db")
	ctx := context.Background()

	s := openTestStore(t, path)
	var last domain.Project
	if err := s.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, err := tx.CreateProject(domain.Project{ProjectID: "P1"}); err != nil {
			return err
		}
		var err error
		last, err = tx.CreateProject(domain.Project{ProjectID: "P2"})
		return err
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := s.RunInTransaction(ctx, func(tx domain.Transaction) error {
		return tx.DeleteProject(last.Pkey)
	}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened := openTestStore(t, path)
	var recreated domain.Project
	if err := reopened.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var err error
		recreated, err = tx.CreateProject(domain.Project{ProjectID: "P3"})
		return err
	}); err != nil {
		t.Fatalf("create after reopen: %v", err)
	}
	if recreated.Pkey <= last.Pkey {
		t.Fatalf("pkey %d reissued after reopen (last was %d)", recreated.Pkey, last.Pkey)
	}
}

func TestFailedTransactionDoesNotPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gdatasea.db")
	ctx := context.Background()

	s := openTestStore(t, path)
	if err := s.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.CreateProject(domain.Project{ProjectID: "P1"})
		return err
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	err := s.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.CreateProject(domain.Project{ProjectID: "P1"})
		return err
	})
	if !domain.IsConstraintViolation(err) {
		t.Fatalf("expected constraint violation, got %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened := openTestStore(t, path)
	if got := len(reopened.ListProjects()); got != 1 {
		t.Fatalf("expected 1 project after reload, got %d", got)
	}
}

func TestObserverWiredThroughEmbeddedStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gdatasea.db")
	var observed []memory.Change
	s, err := NewStore(path, func(changes []memory.Change) { observed = append(observed, changes...) })
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer func() { _ = s.Close() }()

	if err := s.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.CreateProject(domain.Project{ProjectID: "P1"})
		return err
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(observed) != 1 || observed[0].Action != domain.ActionCreate {
		t.Fatalf("unexpected change set: %+v", observed)
	}
}
