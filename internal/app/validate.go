package app

import (
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/gcphost/pagehub.dev-sub001/internal/editor"
	"github.com/gcphost/pagehub.dev-sub001/internal/tree"
)

// validate checks decoded request bodies. Field names in errors use the
// JSON names the client sent.
var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
}

type selectionRequest struct {
	NodeID   string `json:"nodeId" validate:"max=64"`
	Position string `json:"position" validate:"omitempty,oneof=inside before after beforeParent afterParent"`
	Index    *int   `json:"index" validate:"omitempty,min=0"`
}

func (r selectionRequest) selection() tree.Selection {
	return tree.Selection{NodeID: r.NodeID, Position: tree.Position(r.Position), Index: r.Index}
}

type nodeRequest struct {
	TypeTag    string         `json:"typeTag" validate:"required,max=64"`
	Props      tree.Props     `json:"props"`
	CustomMeta map[string]any `json:"customMeta"`
}

func (r nodeRequest) newNode() editor.NewNode {
	return editor.NewNode{TypeTag: r.TypeTag, Props: r.Props, CustomMeta: r.CustomMeta}
}

type createPageRequest struct {
	Name   string `json:"name" validate:"required,max=200"`
	Author string `json:"author" validate:"max=100"`
}

type savePageRequest struct {
	Tree       *tree.Tree        `json:"tree"`
	Components map[string]string `json:"components"`
	Author     string            `json:"author" validate:"max=100"`
	Message    string            `json:"message" validate:"max=500"`
}

type insertNodeRequest struct {
	Selection selectionRequest `json:"selection"`
	Node      nodeRequest      `json:"node"`
}

type insertTreeRequest struct {
	Selection selectionRequest `json:"selection"`
	Tree      tree.Tree        `json:"tree"`
}

type moveNodeRequest struct {
	Selection selectionRequest `json:"selection"`
}

type renameNodeRequest struct {
	Name string `json:"name" validate:"max=200"`
}

type createComponentRequest struct {
	NodeID string `json:"nodeId" validate:"required,max=64"`
	Name   string `json:"name" validate:"required,max=120"`
}

type insertInstanceRequest struct {
	Name         string           `json:"name" validate:"required,max=120"`
	RelationType string           `json:"relationType" validate:"omitempty,oneof=full style"`
	Selection    selectionRequest `json:"selection"`
}

type restoreRequest struct {
	Author string `json:"author" validate:"max=100"`
}

// FieldError describes one failed validation rule.
type FieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
	Param string `json:"param,omitempty"`
}

func fieldErrors(errs validator.ValidationErrors) []FieldError {
	out := make([]FieldError, 0, len(errs))
	for _, fe := range errs {
		// Namespace starts with the Go type name of the request.
		_, field, _ := strings.Cut(fe.Namespace(), ".")
		out = append(out, FieldError{Field: field, Rule: fe.Tag(), Param: fe.Param()})
	}
	return out
}
