package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/patchwork/pkg/engine"
	"github.com/openfroyo/patchwork/pkg/manifest"
)

// Loader reads component definitions from CUE, YAML and JSON files.
//
// A file declares its components under a top-level "components" field,
// either as a list or, in CUE, as a struct keyed by component id:
//
//	components: Billing: {
//		patches: [{type: "install", version: "1.0"}]
//	}
type Loader struct {
	logger   zerolog.Logger
	ctx      *cue.Context
	schemas  *manifest.SchemaRegistry
	validate *validator.Validate
}

// NewLoader creates a new definition loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger:   logger.With().Str("component", "definition-loader").Logger(),
		ctx:      cuecontext.New(),
		schemas:  NewSchemaRegistry(),
		validate: validator.New(),
	}
}

// IsDefinitionFile reports whether path has an extension the loader reads.
func IsDefinitionFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue", ".yaml", ".yml", ".json":
		return true
	default:
		return false
	}
}

// Load reads every definition file below paths. Problems with individual
// definitions are reported in the returned set's Errors; the error return
// is for paths that cannot be read at all.
func (l *Loader) Load(ctx context.Context, paths []string) (*DefinitionSet, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("no sources provided")
	}

	var files []string
	for _, source := range paths {
		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
		}

		if !info.IsDir() {
			files = append(files, source)
			continue
		}

		err = filepath.WalkDir(source, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && IsDefinitionFile(path) {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk directory %s: %w", source, err)
		}
	}

	set := &DefinitionSet{LoadedAt: time.Now()}
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		content, err := os.ReadFile(file)
		if err != nil {
			set.Errors = append(set.Errors, ValidationError{
				File:     file,
				Message:  fmt.Sprintf("failed to read file: %v", err),
				Severity: SeverityError,
			})
			continue
		}
		set.SourceFiles = append(set.SourceFiles, file)
		l.loadContent(set, file, content)
	}

	l.checkSet(set)

	l.logger.Debug().
		Int("files", len(set.SourceFiles)).
		Int("components", len(set.Components)).
		Int("errors", len(set.Errors)).
		Msg("Component definitions loaded")

	return set, nil
}

// LoadInline reads definitions from content. format is "cue", "yaml" or "json".
func (l *Loader) LoadInline(content, format string) (*DefinitionSet, error) {
	name := "inline." + format
	if !IsDefinitionFile(name) {
		return nil, fmt.Errorf("unsupported definition format: %s", format)
	}
	set := &DefinitionSet{LoadedAt: time.Now(), SourceFiles: []string{"inline"}}
	l.loadContent(set, name, []byte(content))
	l.checkSet(set)
	return set, nil
}

func (l *Loader) loadContent(set *DefinitionSet, file string, content []byte) {
	var defs []located
	var errs []ValidationError
	if strings.EqualFold(filepath.Ext(file), ".cue") {
		defs, errs = l.loadCUE(file, content)
	} else {
		defs, errs = l.loadYAML(file, content)
	}
	set.Errors = append(set.Errors, errs...)

	for _, d := range defs {
		d.def.Source = file
		resolveActionFiles(&d.def, filepath.Dir(file))
		valid := true
		for _, p := range l.checkDefinition(d.def) {
			p.File, p.Line = file, d.line
			set.Errors = append(set.Errors, p)
			if p.Severity == SeverityError {
				valid = false
			}
		}
		if valid {
			set.Components = append(set.Components, d.def)
		}
	}
}

// located is a definition with the line it starts on, when known.
type located struct {
	def  ComponentDefinition
	line int
}

// loadCUE compiles a CUE file and extracts its components.
func (l *Loader) loadCUE(file string, content []byte) ([]located, []ValidationError) {
	val := l.ctx.CompileBytes(content, cue.Filename(file))
	if err := val.Err(); err != nil {
		return nil, convertCUEErrors(err)
	}
	if err := val.Validate(); err != nil {
		return nil, convertCUEErrors(err)
	}

	componentsVal := val.LookupPath(cue.ParsePath("components"))
	if !componentsVal.Exists() {
		return nil, []ValidationError{{File: file, Message: "no components field", Severity: SeverityWarning}}
	}

	var defs []located
	var errs []ValidationError
	extract := func(key, path string, v cue.Value) {
		var def ComponentDefinition
		if err := v.Decode(&def); err != nil {
			errs = append(errs, ValidationError{
				File:     file,
				Path:     path,
				Message:  fmt.Sprintf("failed to decode component: %v", err),
				Severity: SeverityError,
			})
			return
		}
		// A struct key names the component unless the value does.
		if def.ID == "" {
			def.ID = key
		}
		line := 0
		if pos := v.Pos(); pos.IsValid() {
			line = pos.Line()
		}
		defs = append(defs, located{def: def, line: line})
	}

	switch componentsVal.Kind() {
	case cue.StructKind:
		iter, err := componentsVal.Fields()
		if err != nil {
			return nil, convertCUEErrors(err)
		}
		for iter.Next() {
			key := iter.Selector().Unquoted()
			extract(key, "components."+key, iter.Value())
		}
	case cue.ListKind:
		list, err := componentsVal.List()
		if err != nil {
			return nil, convertCUEErrors(err)
		}
		for idx := 0; list.Next(); idx++ {
			extract("", fmt.Sprintf("components[%d]", idx), list.Value())
		}
	default:
		errs = append(errs, ValidationError{
			File:     file,
			Path:     "components",
			Message:  "components must be a struct or a list",
			Severity: SeverityError,
		})
	}
	return defs, errs
}

// loadYAML decodes a YAML or JSON file, keeping the line of each component.
func (l *Loader) loadYAML(file string, content []byte) ([]located, []ValidationError) {
	var doc struct {
		Components yaml.Node `yaml:"components"`
	}
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, []ValidationError{{File: file, Message: err.Error(), Severity: SeverityError}}
	}

	node := doc.Components
	switch node.Kind {
	case 0:
		return nil, []ValidationError{{File: file, Message: "no components field", Severity: SeverityWarning}}
	case yaml.SequenceNode:
	default:
		return nil, []ValidationError{{
			File:     file,
			Line:     node.Line,
			Path:     "components",
			Message:  "components must be a list",
			Severity: SeverityError,
		}}
	}

	var defs []located
	var errs []ValidationError
	for idx, item := range node.Content {
		var def ComponentDefinition
		if err := item.Decode(&def); err != nil {
			errs = append(errs, ValidationError{
				File:     file,
				Line:     item.Line,
				Column:   item.Column,
				Path:     fmt.Sprintf("components[%d]", idx),
				Message:  err.Error(),
				Severity: SeverityError,
			})
			continue
		}
		defs = append(defs, located{def: def, line: item.Line})
	}
	return defs, errs
}

// checkDefinition applies the struct tags, the CUE schema and the rules
// neither can express.
func (l *Loader) checkDefinition(def ComponentDefinition) []ValidationError {
	base := "components." + def.ID
	if def.ID == "" {
		base = "components"
	}
	fail := func(path, format string, args ...interface{}) ValidationError {
		return ValidationError{Path: path, Message: fmt.Sprintf(format, args...), Severity: SeverityError}
	}

	if err := l.validate.Struct(def); err != nil {
		return []ValidationError{fail(base, "%v", err)}
	}
	if err := ValidateComponent(l.schemas, def); err != nil {
		return []ValidationError{fail(base, "%v", err)}
	}

	var problems []ValidationError
	installers := 0
	for i, p := range def.Patches {
		path := fmt.Sprintf("%s.patches[%d]", base, i)

		if p.Type == string(engine.PackageTypeInstall) {
			installers++
			if p.From != nil {
				problems = append(problems, fail(path, "an installer has no from range"))
			}
		}
		if p.Type == string(engine.PackageTypePatch) {
			if p.From == nil || (p.From.Min == "" && p.From.Max == "") {
				problems = append(problems, fail(path, "an upgrade patch needs a from range"))
			} else if _, err := p.From.ToBoundary(); err != nil {
				problems = append(problems, fail(path+".from", "%v", err))
			}
		}
		if p.ReleaseDate != "" {
			if _, err := time.Parse(engine.ReleaseDateLayout, p.ReleaseDate); err != nil {
				problems = append(problems, fail(path+".releaseDate", "%v", err))
			}
		}
		for j, dep := range p.Dependencies {
			if _, err := dep.ToDependency(); err != nil {
				problems = append(problems, fail(fmt.Sprintf("%s.dependencies[%d]", path, j), "%v", err))
			}
		}
		if p.Before != nil {
			if err := checkAction(p.Before); err != nil {
				problems = append(problems, fail(path+".before", "%v", err))
			}
		}
		if p.After != nil {
			if err := checkAction(p.After); err != nil {
				problems = append(problems, fail(path+".after", "%v", err))
			}
		}
	}

	if installers > 1 {
		// The engine reports this as duplicated_installer at run time.
		problems = append(problems, ValidationError{
			Path:     base,
			Message:  fmt.Sprintf("component declares %d installers; none of them will run", installers),
			Severity: SeverityWarning,
		})
	}
	return problems
}

func checkAction(a *ActionDefinition) error {
	if _, err := a.TimeoutOr(0); err != nil {
		return err
	}
	switch a.Kind {
	case ActionKindStarlark:
		if a.Script == "" && a.File == "" {
			return fmt.Errorf("starlark action needs a script or a file")
		}
	case ActionKindExec:
		if a.Command == "" {
			return fmt.Errorf("exec action needs a command")
		}
	case ActionKindWASM:
		if a.File == "" {
			return fmt.Errorf("wasm action needs a module file")
		}
	case ActionKindSSH:
		if a.Host == "" {
			return fmt.Errorf("ssh action needs a host")
		}
		if a.Command == "" && a.Script == "" && a.File == "" {
			return fmt.Errorf("ssh action needs a command, a script or a file")
		}
	}
	return nil
}

// checkSet reports components declared more than once.
func (l *Loader) checkSet(set *DefinitionSet) {
	seen := make(map[string]string)
	kept := set.Components[:0]
	for _, def := range set.Components {
		if first, ok := seen[def.ID]; ok {
			set.Errors = append(set.Errors, ValidationError{
				File:     def.Source,
				Path:     "components." + def.ID,
				Message:  fmt.Sprintf("component already defined in %s", first),
				Severity: SeverityError,
			})
			continue
		}
		seen[def.ID] = def.Source
		kept = append(kept, def)
	}
	set.Components = kept
}

func resolveActionFiles(def *ComponentDefinition, dir string) {
	for i := range def.Patches {
		for _, a := range []*ActionDefinition{def.Patches[i].Before, def.Patches[i].After} {
			if a != nil && a.File != "" && !filepath.IsAbs(a.File) {
				a.File = filepath.Join(dir, a.File)
			}
		}
	}
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range errors.Errors(err) {
		var file string
		var line, column int
		if pos := errors.Positions(e); len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}

		validationErrors = append(validationErrors, ValidationError{
			File:     file,
			Line:     line,
			Column:   column,
			Path:     strings.Join(e.Path(), "."),
			Message:  errors.Details(e, nil),
			Severity: SeverityError,
		})
	}

	return validationErrors
}
