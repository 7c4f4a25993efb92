package app

import (
	"context"
	"encoding/json"
	"testing"
)

func TestSaveContentRequiresAssignmentForAuthor(t *testing.T) {
	fs := newFakeStore()
	_, bookID, versionID := seedWorkspace(fs)
	author := seedMember(fs, bookID, "usr_au", "Avery", "author")
	seedNode(fs, "ch-1", versionID, nil, "Chapter One", "chapter", 1)
	svc := newTestService(fs)

	body := SaveContentInput{ContentJSON: json.RawMessage(`{"type":"doc"}`)}
	_, err := svc.SaveNodeContent(context.Background(), author, "ch-1", body)
	if domainCode(err) != "FORBIDDEN" {
		t.Fatalf("expected FORBIDDEN before assignment, got %v", err)
	}

	fs.assignments[assignmentKey("ch-1", "usr_au")] = storeAssignment("ch-1", "usr_au")
	if _, err := svc.SaveNodeContent(context.Background(), author, "ch-1", body); err != nil {
		t.Fatalf("SaveNodeContent() after assignment error = %v", err)
	}
}

func TestSaveContentRejectsInvalidJSON(t *testing.T) {
	fs := newFakeStore()
	session, _, versionID := seedWorkspace(fs)
	seedNode(fs, "ch-1", versionID, nil, "Chapter One", "chapter", 1)
	svc := newTestService(fs)

	_, err := svc.SaveNodeContent(context.Background(), session, "ch-1", SaveContentInput{ContentJSON: json.RawMessage(`{"type":`)})
	if domainCode(err) != "INVALID_BODY" {
		t.Fatalf("expected INVALID_BODY, got %v", err)
	}
}

func TestSaveContentCommitsToArchive(t *testing.T) {
	fs := newFakeStore()
	session, _, versionID := seedWorkspace(fs)
	seedNode(fs, "ch-1", versionID, nil, "Chapter One", "chapter", 1)
	svc := newTestService(fs)
	archive := svc.archive.(*fakeArchive)

	if _, err := svc.SaveNodeContent(context.Background(), session, "ch-1", SaveContentInput{ContentJSON: json.RawMessage(`{"type":"doc"}`)}); err != nil {
		t.Fatalf("SaveNodeContent() error = %v", err)
	}
	if len(archive.commits) != 1 {
		t.Fatalf("archive commits = %d, want 1", len(archive.commits))
	}
	if archive.commits[0].Message != "Update Chapter One" {
		t.Errorf("commit message = %q", archive.commits[0].Message)
	}
	if archive.commits[0].Author != "Edna" {
		t.Errorf("commit author = %q", archive.commits[0].Author)
	}
}

func TestGetNodeContentDefaultsToEmptyDraft(t *testing.T) {
	fs := newFakeStore()
	session, _, versionID := seedWorkspace(fs)
	seedNode(fs, "ch-1", versionID, nil, "Chapter One", "chapter", 1)
	svc := newTestService(fs)

	payload, err := svc.GetNodeContent(context.Background(), session, "ch-1")
	if err != nil {
		t.Fatalf("GetNodeContent() error = %v", err)
	}
	if got := payload["status"].(string); got != "draft" {
		t.Fatalf("status = %q, want draft", got)
	}
}

func TestContentWorkflowFullCycle(t *testing.T) {
	fs := newFakeStore()
	editor, bookID, versionID := seedWorkspace(fs)
	author := seedMember(fs, bookID, "usr_au", "Avery", "author")
	seedNode(fs, "ch-1", versionID, nil, "Chapter One", "chapter", 1)
	fs.assignments[assignmentKey("ch-1", "usr_au")] = storeAssignment("ch-1", "usr_au")
	fs.contents["ch-1"] = storeContent("ch-1")
	svc := newTestService(fs)
	ctx := context.Background()

	payload, err := svc.SubmitContent(ctx, author, "ch-1")
	if err != nil {
		t.Fatalf("SubmitContent() error = %v", err)
	}
	if payload["status"] != "submitted" {
		t.Fatalf("status after submit = %v", payload["status"])
	}

	// Submitting again is an invalid transition.
	if _, err := svc.SubmitContent(ctx, author, "ch-1"); domainCode(err) != "INVALID_STATUS" {
		t.Fatalf("expected INVALID_STATUS on double submit, got %v", err)
	}

	payload, err = svc.RequestChanges(ctx, editor, "ch-1", "Needs a stronger opening.")
	if err != nil {
		t.Fatalf("RequestChanges() error = %v", err)
	}
	if payload["status"] != "needs_revision" {
		t.Fatalf("status after request-changes = %v", payload["status"])
	}
	if payload["editorNote"] != "Needs a stronger opening." {
		t.Fatalf("editorNote = %v", payload["editorNote"])
	}

	payload, err = svc.ResolveNote(ctx, author, "ch-1")
	if err != nil {
		t.Fatalf("ResolveNote() error = %v", err)
	}
	if payload["authorResolved"] != true {
		t.Fatalf("authorResolved = %v, want true", payload["authorResolved"])
	}
	if payload["status"] != "needs_revision" {
		t.Fatalf("resolve-note must not change status, got %v", payload["status"])
	}

	if _, err := svc.SubmitContent(ctx, author, "ch-1"); err != nil {
		t.Fatalf("resubmit error = %v", err)
	}
	payload, err = svc.ApproveContent(ctx, editor, "ch-1")
	if err != nil {
		t.Fatalf("ApproveContent() error = %v", err)
	}
	if payload["status"] != "approved" {
		t.Fatalf("status after approve = %v", payload["status"])
	}
}

func TestRequestChangesRequiresEditor(t *testing.T) {
	fs := newFakeStore()
	_, bookID, versionID := seedWorkspace(fs)
	author := seedMember(fs, bookID, "usr_au", "Avery", "author")
	seedNode(fs, "ch-1", versionID, nil, "Chapter One", "chapter", 1)
	fs.assignments[assignmentKey("ch-1", "usr_au")] = storeAssignment("ch-1", "usr_au")
	content := storeContent("ch-1")
	content.Status = "submitted"
	fs.contents["ch-1"] = content
	svc := newTestService(fs)

	_, err := svc.RequestChanges(context.Background(), author, "ch-1", "no")
	if domainCode(err) != "FORBIDDEN" {
		t.Fatalf("expected FORBIDDEN, got %v", err)
	}
}

func TestAssignUserRequiresBookMembership(t *testing.T) {
	fs := newFakeStore()
	editor, _, versionID := seedWorkspace(fs)
	seedNode(fs, "ch-1", versionID, nil, "Chapter One", "chapter", 1)
	svc := newTestService(fs)

	_, err := svc.AssignUser(context.Background(), editor, "ch-1", AssignmentInput{UserID: "usr_outsider", Role: "author"})
	if domainCode(err) != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR for non-member assignee, got %v", err)
	}
}
