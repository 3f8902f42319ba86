// Package pageset builds the canonical ordered page list of a book from raw
// story content.
package pageset

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/jackzampolin/storyshelf/internal/book"
	"github.com/jackzampolin/storyshelf/internal/objstore"
	"github.com/jackzampolin/storyshelf/internal/prompts"
)

// Fixed positions in every page set.
const (
	PhotoPage     = 1
	ScenePage     = 2
	CompanionPage = 3
	FirstStory    = 4
)

var (
	// ErrInvalidStory is returned when raw story input fails validation.
	ErrInvalidStory = errors.New("invalid story input")
	// ErrMissingStoryPages is returned when the story has no pages.
	ErrMissingStoryPages = errors.New("story has no pages")
)

//go:embed story.schema.json
var storySchemaJSON []byte

var storySchema = func() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("story.schema.json", bytes.NewReader(storySchemaJSON)); err != nil {
		panic(fmt.Sprintf("failed to load story schema: %v", err))
	}
	return compiler.MustCompile("story.schema.json")
}()

// StoryPage is one page of raw story content.
type StoryPage struct {
	Text   string `json:"text"`
	Prompt string `json:"prompt"`
}

// Story is the raw input a page set is built from.
type Story struct {
	Title     string      `json:"title,omitempty"`
	LeadName  string      `json:"lead_name"`
	Companion string      `json:"companion"`
	Setting   string      `json:"setting"`
	Photo     string      `json:"photo,omitempty"` // store://uploads/... of an uploaded photo
	Pages     []StoryPage `json:"pages"`
}

// Metadata returns the book metadata carried by the story.
func (s Story) Metadata() (book.Metadata, error) {
	md := book.Metadata{
		Title:     s.Title,
		LeadName:  s.LeadName,
		Companion: s.Companion,
		Setting:   s.Setting,
	}
	if s.Photo != "" {
		ref, err := book.ParseObjectRef(s.Photo)
		if err != nil {
			return book.Metadata{}, fmt.Errorf("%w: %v", ErrInvalidStory, err)
		}
		if !IsUploadPath(ref.Path) {
			return book.Metadata{}, fmt.Errorf("%w: photo %s is not an upload", ErrInvalidStory, ref)
		}
		md.Photo = &ref
	}
	return md, nil
}

// IsUploadPath reports whether p is a clean path under the upload prefix.
func IsUploadPath(p string) bool {
	return strings.HasPrefix(p, objstore.UploadPrefix) &&
		len(p) > len(objstore.UploadPrefix) &&
		path.Clean(p) == p
}

// ValidateStory checks raw JSON against the story schema and decodes it.
func ValidateStory(raw []byte) (*Story, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidStory, err)
	}
	if err := storySchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidStory, err)
	}

	var story Story
	if err := json.Unmarshal(raw, &story); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidStory, err)
	}
	return &story, nil
}

// Build returns the ordered page list: photo, setting, companion
// introduction, the N story pages renumbered from 4, and a closing page.
// A supplied user photo is placed on page 1 directly.
func Build(story Story) ([]book.Page, error) {
	if len(story.Pages) == 0 {
		return nil, ErrMissingStoryPages
	}
	md, err := story.Metadata()
	if err != nil {
		return nil, err
	}

	data := prompts.Data{LeadName: md.LeadName, Companion: md.Companion, Setting: md.Setting}
	pages := make([]book.Page, 0, len(story.Pages)+4)

	photo := book.Page{
		PageNumber: PhotoPage,
		Role:       book.RolePhoto,
		Text:       prompts.MustRender(prompts.PhotoText, data),
		Prompt:     prompts.MustRender(prompts.PhotoPrompt, data),
	}
	if md.Photo != nil {
		ref := *md.Photo
		photo.Image = &ref
	}
	pages = append(pages,
		photo,
		book.Page{
			PageNumber: ScenePage,
			Role:       book.RoleScene,
			Text:       prompts.MustRender(prompts.SceneText, data),
			Prompt:     prompts.MustRender(prompts.ScenePrompt, data),
		},
		book.Page{
			PageNumber: CompanionPage,
			Role:       book.RoleCompanion,
			Text:       prompts.MustRender(prompts.CompanionText, data),
			Prompt:     prompts.MustRender(prompts.CompanionPrompt, data),
		},
	)

	for i, sp := range story.Pages {
		if strings.TrimSpace(sp.Prompt) == "" {
			return nil, fmt.Errorf("%w: story page %d has no prompt", ErrInvalidStory, i+1)
		}
		pages = append(pages, book.Page{
			PageNumber: FirstStory + i,
			Role:       book.RoleStory,
			Text:       sp.Text,
			Prompt:     sp.Prompt,
		})
	}

	pages = append(pages, book.Page{
		PageNumber: FirstStory + len(story.Pages),
		Role:       book.RoleEpilogue,
		Text:       prompts.MustRender(prompts.EpilogueText, data),
		Prompt:     prompts.MustRender(prompts.EpiloguePrompt, data),
	})
	return pages, nil
}

// Rebuild builds the page list and merges it over existing pages, keeping
// every painted page untouched.
func Rebuild(existing []book.Page, story Story) ([]book.Page, error) {
	rebuilt, err := Build(story)
	if err != nil {
		return nil, err
	}
	return book.MergePages(existing, rebuilt)
}
