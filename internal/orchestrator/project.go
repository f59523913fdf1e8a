package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/larkcoder/larkcoder/internal/lark"
	"github.com/larkcoder/larkcoder/internal/store"
)

const projectUsage = "Usage: /project new|list|info|edit|exit|root"

// cmdProject dispatches the /project subcommands.
func (o *Orchestrator) cmdProject(ctx context.Context, msg lark.InboundMessage, args string) {
	sub, _, _ := strings.Cut(args, " ")
	switch strings.ToLower(sub) {
	case "new":
		o.replyCard(ctx, msg.MessageID, lark.ProjectFormCard("project_create", "", "", "", ""))
	case "list":
		o.cmdProjectList(ctx, msg)
	case "info":
		o.cmdProjectInfo(ctx, msg)
	case "edit":
		o.cmdProjectEdit(ctx, msg)
	case "exit":
		if err := o.store.ClearActiveProject(ctx, msg.ChatID); err != nil {
			o.log.Warn("clearing active project failed", "chat_id", msg.ChatID, "error", err)
		}
		o.replyText(ctx, msg.MessageID, "Left the project.")
	case "root":
		if err := o.store.ClearActiveProject(ctx, msg.ChatID); err != nil {
			o.log.Warn("clearing active project failed", "chat_id", msg.ChatID, "error", err)
		}
		base, err := filepath.Abs(o.cfg.Agent.WorkDir)
		if err != nil {
			base = o.cfg.Agent.WorkDir
		}
		o.replyText(ctx, msg.MessageID, "Working directory: "+base)
	default:
		o.replyText(ctx, msg.MessageID, projectUsage)
	}
}

func (o *Orchestrator) cmdProjectList(ctx context.Context, msg lark.InboundMessage) {
	projects, err := o.store.ListProjects(ctx, msg.ChatID)
	if err != nil {
		o.log.Error("listing projects", "chat_id", msg.ChatID, "error", err)
		o.replyText(ctx, msg.MessageID, "Failed to list projects.")
		return
	}
	if len(projects) == 0 {
		o.replyText(ctx, msg.MessageID, "No projects yet. Use /project new.")
		return
	}
	var buttons []lark.CardButton
	for _, p := range projects {
		buttons = append(buttons, lark.CardButton{
			Text:  p.Title,
			Value: lark.ActionValue{Action: "project_select", ProjectID: p.ID},
		})
	}
	o.replyCard(ctx, msg.MessageID, lark.ListCard("**Projects**", buttons))
}

func (o *Orchestrator) cmdProjectInfo(ctx context.Context, msg lark.InboundMessage) {
	proj, err := o.activeProjectOf(ctx, msg.ChatID)
	if err != nil {
		o.replyText(ctx, msg.MessageID, "No active project.")
		return
	}
	description := proj.Description
	if description == "" {
		description = "-"
	}
	o.replyText(ctx, msg.MessageID, fmt.Sprintf(
		"Project: %s\nDescription: %s\nFolder: %s", proj.Title, description, proj.FolderName))
}

func (o *Orchestrator) cmdProjectEdit(ctx context.Context, msg lark.InboundMessage) {
	proj, err := o.activeProjectOf(ctx, msg.ChatID)
	if err != nil {
		o.replyText(ctx, msg.MessageID, "No active project.")
		return
	}
	o.replyCard(ctx, msg.MessageID,
		lark.ProjectFormCard("project_edit", proj.ID, proj.Title, proj.Description, proj.FolderName))
}

// activeProjectOf loads the chat's bound project.
func (o *Orchestrator) activeProjectOf(ctx context.Context, chatID string) (store.Project, error) {
	pid, err := o.store.ActiveProject(ctx, chatID)
	if err != nil {
		return store.Project{}, err
	}
	if pid == "" {
		return store.Project{}, store.ErrProjectNotFound
	}
	return o.store.GetProject(ctx, pid)
}

// actionProjectSave handles both project_create and project_edit form
// submits.
func (o *Orchestrator) actionProjectSave(ctx context.Context, act lark.CardAction) lark.Toast {
	title := strings.TrimSpace(formString(act.FormValue, "title"))
	description := strings.TrimSpace(formString(act.FormValue, "description"))
	folderName := strings.TrimSpace(formString(act.FormValue, "folder_name"))

	if title == "" {
		return lark.Toast{Type: "error", Content: "Title is required."}
	}
	if err := validateFolderName(folderName); err != nil {
		return lark.Toast{Type: "error", Content: err.Error()}
	}

	base, err := filepath.Abs(o.cfg.Agent.WorkDir)
	if err != nil {
		o.log.Error("resolving work dir", "error", err)
		return lark.Toast{Type: "error", Content: "Failed to save the project."}
	}

	if act.Value.Action == "project_edit" {
		return o.saveProjectEdit(ctx, act, base, title, description, folderName)
	}

	proj := store.Project{
		ID:          uuid.New().String(),
		ChatID:      act.ChatID,
		CreatorID:   act.OperatorID,
		Title:       title,
		Description: description,
		FolderName:  folderName,
	}
	if err := os.MkdirAll(filepath.Join(base, folderName), 0o755); err != nil {
		o.log.Error("creating project folder", "folder", folderName, "error", err)
		return lark.Toast{Type: "error", Content: "Failed to create the project folder."}
	}
	if _, err := o.store.CreateProject(ctx, proj); err != nil {
		o.log.Error("creating project", "error", err)
		return lark.Toast{Type: "error", Content: "Failed to save the project."}
	}

	o.patchSelected(ctx, act.MessageID, "Project created: "+title)
	return lark.Toast{Type: "success", Content: "Project created"}
}

func (o *Orchestrator) saveProjectEdit(ctx context.Context, act lark.CardAction, base, title, description, folderName string) lark.Toast {
	proj, err := o.store.GetProject(ctx, act.Value.ProjectID)
	if err != nil {
		return lark.Toast{Type: "error", Content: "Project not found."}
	}

	if folderName != proj.FolderName {
		oldPath := filepath.Join(base, proj.FolderName)
		newPath := filepath.Join(base, folderName)
		if _, err := os.Stat(newPath); err == nil {
			return lark.Toast{Type: "error", Content: "A folder with that name already exists."}
		}
		if err := os.Rename(oldPath, newPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			o.log.Error("renaming project folder", "from", proj.FolderName, "to", folderName, "error", err)
			return lark.Toast{Type: "error", Content: "Failed to rename the project folder."}
		}
	}

	proj.Title = title
	proj.Description = description
	proj.FolderName = folderName
	if _, err := o.store.UpdateProject(ctx, proj); err != nil {
		o.log.Error("updating project", "project_id", proj.ID, "error", err)
		return lark.Toast{Type: "error", Content: "Failed to save the project."}
	}

	o.patchSelected(ctx, act.MessageID, "Project updated: "+title)
	return lark.Toast{Type: "success", Content: "Project updated"}
}

func (o *Orchestrator) actionProjectCancel(ctx context.Context, act lark.CardAction) lark.Toast {
	o.patchSelected(ctx, act.MessageID, "Cancelled.")
	return lark.Toast{}
}

// actionProjectSelect binds the chat to a project and surfaces its most
// recent session.
func (o *Orchestrator) actionProjectSelect(ctx context.Context, act lark.CardAction) lark.Toast {
	proj, err := o.store.GetProject(ctx, act.Value.ProjectID)
	if err != nil {
		return lark.Toast{Type: "error", Content: "Project not found."}
	}
	if err := o.store.SetActiveProject(ctx, act.ChatID, proj.ID); err != nil {
		o.log.Error("binding project", "project_id", proj.ID, "error", err)
		return lark.Toast{Type: "error", Content: "Failed to switch projects."}
	}

	text := "Switched to project: " + proj.Title
	if sess, err := o.store.FindLatestByProject(ctx, act.ChatID, proj.ID); err == nil {
		if terr := o.store.Touch(ctx, sess.ID); terr != nil {
			o.log.Warn("touching session failed", "session_id", sess.ID, "error", terr)
		}
		text += "\nResumed session: " + promptPrefix(sess)
	}
	o.patchSelected(ctx, act.MessageID, text)
	return lark.Toast{Type: "success", Content: "Switched to " + proj.Title}
}

// validateFolderName rejects names that would escape or break the base
// directory layout.
func validateFolderName(name string) error {
	if name == "" {
		return errors.New("Folder name is required.")
	}
	if name == "." || name == ".." {
		return errors.New("Folder name cannot be '.' or '..'.")
	}
	if strings.ContainsAny(name, "/\\:*?\"<>|\x00") {
		return errors.New("Folder name contains invalid characters.")
	}
	return nil
}

func formString(form map[string]any, key string) string {
	if form == nil {
		return ""
	}
	if v, ok := form[key].(string); ok {
		return v
	}
	return ""
}
