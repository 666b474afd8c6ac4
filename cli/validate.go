package cli

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/m-demetrio/ZapOrganic-CRM/loader"
)

//go:embed document_schema.json
var documentSchemaJSON string

const documentSchemaURL = "https://zaporganic.dev/schemas/funnel-document.json"

// NewValidateCmd creates the "validate" subcommand. Validation runs two
// passes: the embedded JSON Schema for shape, then the loader's semantic
// checks (step types, duplicate ids, settings consistency).
func NewValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a funnel document without executing",
		Args:  cobra.ExactArgs(1),
		RunE:  runValidate,
	}

	cmd.Flags().String("format", "text", "Output format: text | json")

	return cmd
}

func runValidate(cmd *cobra.Command, args []string) error {
	filePath := args[0]
	format, _ := cmd.Flags().GetString("format")
	out := cmd.OutOrStdout()

	data, err := os.ReadFile(filePath) // #nosec G304 -- path from caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return exitError(exitFileNotFound, "file not found: %s", filePath)
		}
		return fmt.Errorf("reading file: %w", err)
	}

	problems, err := validateDocument(data, filePath)
	if err != nil {
		return exitError(exitValidation, "%v", err)
	}

	printValidationProblems(out, problems, format)
	if len(problems) > 0 {
		return exitError(exitValidation, "validation failed")
	}
	return nil
}

// validateDocument returns one problem string per violation. A non-nil
// error means the file could not be parsed at all.
func validateDocument(data []byte, filePath string) ([]string, error) {
	jsonData, err := yamlToJSONIfNeeded(data, filePath)
	if err != nil {
		return nil, fmt.Errorf("parsing file: %w", err)
	}

	var problems []string
	problems = append(problems, validateSchema(jsonData)...)

	if _, err := loader.Load(data, isYAMLPath(filePath)); err != nil {
		var verr *loader.ValidationError
		if errors.As(err, &verr) {
			problems = append(problems, verr.Problems...)
			return problems, nil
		}
		return nil, err
	}
	return problems, nil
}

func validateSchema(jsonData []byte) []string {
	schema, err := compileDocumentSchema()
	if err != nil {
		return []string{fmt.Sprintf("schema compile: %v", err)}
	}

	var payload any
	if err := json.Unmarshal(jsonData, &payload); err != nil {
		return []string{fmt.Sprintf("parsing JSON: %v", err)}
	}

	err = schema.Validate(payload)
	if err == nil {
		return nil
	}
	var verr *jsonschema.ValidationError
	if errors.As(err, &verr) {
		return flattenSchemaError(verr)
	}
	return []string{err.Error()}
}

func compileDocumentSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(documentSchemaURL, strings.NewReader(documentSchemaJSON)); err != nil {
		return nil, err
	}
	return compiler.Compile(documentSchemaURL)
}

// flattenSchemaError walks the causes tree and keeps the leaf messages,
// which carry the instance location that actually violated the schema.
func flattenSchemaError(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := verr.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Message)}
	}
	var out []string
	for _, cause := range verr.Causes {
		out = append(out, flattenSchemaError(cause)...)
	}
	return out
}

func printValidationProblems(w io.Writer, problems []string, format string) {
	if format == "json" {
		if problems == nil {
			problems = []string{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(problems)
		return
	}
	for _, p := range problems {
		fmt.Fprintf(w, "ERROR: %s\n", p)
	}
	if len(problems) == 0 {
		fmt.Fprintln(w, "Valid!")
	} else {
		fmt.Fprintf(w, "\n%d problem(s)\n", len(problems))
	}
}

// yamlToJSONIfNeeded converts YAML data to JSON when the file path
// indicates a YAML file. JSON files are returned as-is.
func yamlToJSONIfNeeded(data []byte, path string) ([]byte, error) {
	if !isYAMLPath(path) {
		return data, nil
	}
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return json.Marshal(raw)
}

func isYAMLPath(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}
