package main

import (
	"os"
	"path/filepath"
	"testing"

	"goa.design/coordctl/internal/taskmanager"
)

func TestRunDoctorReportsNoIssuesOnValidStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.json")
	mgr, err := taskmanager.New(path)
	if err != nil {
		t.Fatalf("taskmanager.New: %v", err)
	}
	if _, err := mgr.CreateTask(taskmanager.CreateInput{}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	if err := runDoctor(path, false); err != nil {
		t.Fatalf("runDoctor: %v", err)
	}
}

func TestRunDoctorErrorsWithoutRepairOnOrphan(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.json")
	// A task whose ParentTaskID names a parent that doesn't exist in the
	// store: the orphan case ValidateHierarchy detects.
	const orphanJSON = `{
		"child-1": {"ID": "child-1", "ParentTaskID": "missing-parent", "ChildTaskIDs": [], "Status": "pending"}
	}`
	if err := os.WriteFile(path, []byte(orphanJSON), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	err := runDoctor(path, false)
	if err == nil {
		t.Fatal("expected runDoctor to report issues and error")
	}
}

func TestRunDoctorRepairsWhenRequested(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.json")
	const mismatchJSON = `{
		"parent-1": {"ID": "parent-1", "ParentTaskID": "", "ChildTaskIDs": ["child-1"], "DelegationDepth": 0, "Status": "pending"},
		"child-1": {"ID": "child-1", "ParentTaskID": "parent-1", "ChildTaskIDs": [], "DelegationDepth": 5, "Status": "pending"}
	}`
	if err := os.WriteFile(path, []byte(mismatchJSON), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if err := runDoctor(path, true); err != nil {
		t.Fatalf("runDoctor with repair: %v", err)
	}

	mgr, err := taskmanager.New(path)
	if err != nil {
		t.Fatalf("taskmanager.New: %v", err)
	}
	report := mgr.ValidateHierarchy()
	if !report.Valid {
		t.Fatalf("expected hierarchy to be valid after repair, got issues: %+v", report.Issues)
	}
}
