package kaggle

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// MetadataFile is the staged run description read by Push.
	MetadataFile = "kernel-metadata.json"

	// CodeFile is the fixed name the script is staged under.
	CodeFile = "main.py"
)

// DefaultMetadata returns the platform-mandated metadata for a script kernel.
// Keys other than the reserved ones may be overridden by caller kwargs.
func DefaultMetadata(username, kernel string) map[string]any {
	return map[string]any{
		"language":    "python",
		"kernel_type": "script",
		"is_private":  true,
		"code_file":   CodeFile,
		"id":          Ref(username, kernel),
	}
}

// Ref returns the "<user>/<slug>" kernel reference.
func Ref(username, kernel string) string {
	return username + "/" + kernel
}

// WriteMetadata writes dir/kernel-metadata.json with 4-space indentation.
func WriteMetadata(dir string, meta map[string]any) error {
	b, err := json.MarshalIndent(meta, "", "    ")
	if err != nil {
		return fmt.Errorf("marshal kernel metadata: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, MetadataFile), b, 0o644)
}

// ReadMetadata loads dir/kernel-metadata.json.
func ReadMetadata(dir string) (map[string]any, error) {
	b, err := os.ReadFile(filepath.Join(dir, MetadataFile))
	if err != nil {
		return nil, fmt.Errorf("read kernel metadata: %w", err)
	}
	var meta map[string]any
	if err := json.Unmarshal(b, &meta); err != nil {
		return nil, fmt.Errorf("parse kernel metadata: %w", err)
	}
	return meta, nil
}

// pushRequest is the body of POST kernels/push.
type pushRequest struct {
	ID                     *int     `json:"id,omitempty"`
	Slug                   string   `json:"slug"`
	NewTitle               string   `json:"newTitle"`
	Text                   string   `json:"text"`
	Language               string   `json:"language"`
	KernelType             string   `json:"kernelType"`
	IsPrivate              bool     `json:"isPrivate"`
	EnableGPU              bool     `json:"enableGpu"`
	EnableTPU              bool     `json:"enableTpu"`
	EnableInternet         bool     `json:"enableInternet"`
	DatasetDataSources     []string `json:"datasetDataSources"`
	CompetitionDataSources []string `json:"competitionDataSources"`
	KernelDataSources      []string `json:"kernelDataSources"`
	ModelDataSources       []string `json:"modelDataSources"`
	CategoryIDs            []string `json:"categoryIds"`
	DockerImagePinningType string   `json:"dockerImagePinningType,omitempty"`
}

// buildPushRequest translates staged metadata plus code into a push body.
func buildPushRequest(meta map[string]any, code string) (*pushRequest, error) {
	ref := stringField(meta, "id")
	if ref == "" {
		return nil, fmt.Errorf("kernel metadata is missing id")
	}
	title := stringField(meta, "title")
	if title == "" {
		_, slug := splitRef(ref)
		title = slug
	}

	req := &pushRequest{
		Slug:                   ref,
		NewTitle:               title,
		Text:                   code,
		Language:               stringField(meta, "language"),
		KernelType:             stringField(meta, "kernel_type"),
		IsPrivate:              boolField(meta, "is_private", true),
		EnableGPU:              boolField(meta, "enable_gpu", false),
		EnableTPU:              boolField(meta, "enable_tpu", false),
		EnableInternet:         boolField(meta, "enable_internet", true),
		DatasetDataSources:     stringsField(meta, "dataset_sources"),
		CompetitionDataSources: stringsField(meta, "competition_sources"),
		KernelDataSources:      stringsField(meta, "kernel_sources"),
		ModelDataSources:       stringsField(meta, "model_sources"),
		CategoryIDs:            stringsField(meta, "keywords"),
		DockerImagePinningType: stringField(meta, "docker_image_pinning_type"),
	}
	if n, ok := meta["id_no"].(float64); ok {
		id := int(n)
		req.ID = &id
	}
	return req, nil
}

func splitRef(ref string) (string, string) {
	user, slug, ok := strings.Cut(ref, "/")
	if !ok {
		return "", ref
	}
	return user, slug
}

func stringField(meta map[string]any, key string) string {
	if v, ok := meta[key].(string); ok {
		return v
	}
	return ""
}

func boolField(meta map[string]any, key string, def bool) bool {
	switch v := meta[key].(type) {
	case bool:
		return v
	case string:
		switch v {
		case "true", "True", "1":
			return true
		case "false", "False", "0":
			return false
		}
	}
	return def
}

func stringsField(meta map[string]any, key string) []string {
	out := []string{}
	switch v := meta[key].(type) {
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
	case []string:
		out = append(out, v...)
	case string:
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
