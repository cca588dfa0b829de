package config

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
)

// CUEParser turns CUE sources into a validated CellConfig.
type CUEParser struct {
	ctx      *cue.Context
	schemas  *SchemaRegistry
	validate *validator.Validate
}

func NewCUEParser() *CUEParser {
	ctx := cuecontext.New()
	return &CUEParser{
		ctx:      ctx,
		schemas:  newSchemaRegistry(ctx),
		validate: validator.New(),
	}
}

// LoadCell is Parse for callers that only want a usable cell. Configuration
// problems come back as ValidationErrors.
func (cp *CUEParser) LoadCell(ctx context.Context, sources ...string) (*CellConfig, error) {
	parsed, err := cp.Parse(ctx, sources)
	if err != nil {
		return nil, err
	}
	if len(parsed.Errors) > 0 {
		return nil, ValidationErrors(parsed.Errors)
	}
	return &parsed.Cell, nil
}

// Parse unifies every source, file or directory, into one cell. The error
// return is reserved for sources that do not exist; everything wrong with
// their content lands in ParsedConfig.Errors.
func (cp *CUEParser) Parse(_ context.Context, sources []string) (*ParsedConfig, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources provided")
	}

	u := unifier{parser: cp}
	for _, src := range sources {
		info, err := os.Stat(src)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", src, err)
		}
		if info.IsDir() {
			u.addDir(src)
		} else {
			u.addFile(src)
		}
	}

	if len(u.errs) == 0 {
		if err := u.val.Err(); err != nil {
			u.errs = cueErrors(err)
		}
	}
	if len(u.errs) > 0 {
		return &ParsedConfig{SourceFiles: u.files, ParsedAt: time.Now(), Errors: u.errs}, nil
	}
	return cp.decode(u.val, u.files), nil
}

// ParseInline parses one CUE document held in memory, reported as "inline".
func (cp *CUEParser) ParseInline(_ context.Context, content string) (*ParsedConfig, error) {
	files := []string{"inline"}
	val := cp.ctx.CompileString(content, cue.Filename("inline"))
	if err := val.Err(); err != nil {
		return &ParsedConfig{SourceFiles: files, ParsedAt: time.Now(), Errors: cueErrors(err)}, nil
	}
	return cp.decode(val, files), nil
}

// ExportJSON renders cell, defaults included, as indented JSON.
func (cp *CUEParser) ExportJSON(cell *CellConfig) ([]byte, error) {
	return json.MarshalIndent(cell, "", "  ")
}

// unifier accumulates compiled sources into a single value.
type unifier struct {
	parser *CUEParser
	val    cue.Value
	files  []string
	errs   []ValidationError
}

func (u *unifier) merge(v cue.Value) {
	switch {
	case !v.Exists():
	case u.val.Exists():
		u.val = u.val.Unify(v)
	default:
		u.val = v
	}
}

func (u *unifier) addFile(path string) {
	u.files = append(u.files, path)
	content, err := os.ReadFile(path)
	if err != nil {
		u.errs = append(u.errs, fileError(path, "failed to read file: %v", err))
		return
	}
	v := u.parser.ctx.CompileString(string(content), cue.Filename(path))
	if err := v.Err(); err != nil {
		u.errs = append(u.errs, cueErrors(err)...)
		return
	}
	u.merge(v)
}

// addDir adds the *.cue files directly inside dir, in name order.
func (u *unifier) addDir(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		u.errs = append(u.errs, fileError(dir, "failed to read directory: %v", err))
		return
	}
	found := slices.ContainsFunc(entries, isCUEFile)
	if !found {
		u.errs = append(u.errs, fileError(dir, "no CUE files found"))
		return
	}
	for _, entry := range entries {
		if isCUEFile(entry) {
			u.addFile(filepath.Join(dir, entry.Name()))
		}
	}
}

func isCUEFile(entry os.DirEntry) bool {
	return !entry.IsDir() && filepath.Ext(entry.Name()) == ".cue"
}

func fileError(file, format string, args ...interface{}) ValidationError {
	return ValidationError{File: file, Message: fmt.Sprintf(format, args...), Severity: "error"}
}

// decode closes val against #Cell, requires it to be concrete and runs the
// struct tags over the decoded cell.
func (cp *CUEParser) decode(val cue.Value, files []string) *ParsedConfig {
	out := &ParsedConfig{SourceFiles: files, ParsedAt: time.Now()}

	closed, err := cp.schemas.Unify(CellSchema, val)
	if err != nil {
		out.Errors = []ValidationError{{Message: err.Error(), Severity: "error"}}
		return out
	}
	if err := closed.Validate(cue.Concrete(true)); err != nil {
		out.Errors = cueErrors(err)
		return out
	}

	var cell CellConfig
	if err := closed.Decode(&cell); err != nil {
		out.Errors = []ValidationError{{Message: "failed to decode cell: " + err.Error(), Severity: "error"}}
		return out
	}
	if err := cp.validate.Struct(cell); err != nil {
		out.Errors = tagErrors(err)
		return out
	}

	out.Cell = cell
	return out
}

// cueErrors flattens a CUE error list, keeping the first position of each.
func cueErrors(err error) []ValidationError {
	list := errors.Errors(err)
	out := make([]ValidationError, 0, len(list))
	for _, e := range list {
		ve := ValidationError{
			Path:     strings.Join(e.Path(), "."),
			Message:  errors.Details(e, nil),
			Severity: "error",
		}
		if pos := errors.Positions(e); len(pos) > 0 {
			ve.File, ve.Line, ve.Column = pos[0].Filename(), pos[0].Line(), pos[0].Column()
		}
		out = append(out, ve)
	}
	return out
}

// tagErrors reports each failed validate tag against its field namespace.
func tagErrors(err error) []ValidationError {
	var fields validator.ValidationErrors
	if !stderrors.As(err, &fields) {
		return []ValidationError{{Message: err.Error(), Severity: "error"}}
	}
	out := make([]ValidationError, len(fields))
	for i, fe := range fields {
		out[i] = ValidationError{
			Path:     fe.Namespace(),
			Message:  fmt.Sprintf("failed on the '%s' rule", fe.Tag()),
			Severity: "error",
		}
	}
	return out
}
