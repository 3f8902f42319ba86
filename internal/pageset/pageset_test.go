package pageset

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jackzampolin/storyshelf/internal/book"
)

func story(n int) Story {
	s := Story{LeadName: "Mia", Companion: "Pip the fox", Setting: "a seaside village"}
	for i := 1; i <= n; i++ {
		s.Pages = append(s.Pages, StoryPage{Text: fmt.Sprintf("text %d", i), Prompt: fmt.Sprintf("prompt %d", i)})
	}
	return s
}

func TestBuild_Structure(t *testing.T) {
	pages, err := Build(story(23))
	require.NoError(t, err)
	require.Len(t, pages, 27)

	assert.Equal(t, book.RolePhoto, pages[0].Role)
	assert.Equal(t, book.RoleScene, pages[1].Role)
	assert.Equal(t, book.RoleCompanion, pages[2].Role)
	assert.Equal(t, book.RoleEpilogue, pages[26].Role)
	assert.Contains(t, pages[1].Prompt, "a seaside village")
	assert.Contains(t, pages[2].Prompt, "Pip the fox")

	for i, p := range pages {
		assert.Equal(t, i+1, p.PageNumber, "pages are contiguous from 1")
	}
	assert.Equal(t, "prompt 1", pages[3].Prompt)
	assert.Equal(t, "text 23", pages[25].Text)

	b := book.Book{Pages: pages}
	assert.Equal(t, 28, b.StructuralPageCount())
}

func TestBuild_UserPhoto(t *testing.T) {
	s := story(2)
	s.Photo = "local://uploads/mia.png"
	pages, err := Build(s)
	require.NoError(t, err)
	require.NotNil(t, pages[0].Image)
	assert.Equal(t, "uploads/mia.png", pages[0].Image.Path)
	assert.Nil(t, pages[1].Image)
}

func TestBuild_RejectsPhotoOutsideUploads(t *testing.T) {
	for _, photo := range []string{
		"local://books/other-book/book-r1.pdf",
		"local://uploads/../books/other-book/page-004.png",
		"local://uploads/",
	} {
		s := story(2)
		s.Photo = photo
		_, err := Build(s)
		assert.ErrorIs(t, err, ErrInvalidStory, photo)
	}
}

func TestRebuild_AddsPhoto(t *testing.T) {
	first, err := Build(story(3))
	require.NoError(t, err)
	require.False(t, first[0].Painted())

	withPhoto := story(3)
	withPhoto.Photo = "local://uploads/mia.png"
	rebuilt, err := Rebuild(first, withPhoto)
	require.NoError(t, err)
	require.True(t, rebuilt[0].Painted())
	assert.Equal(t, "uploads/mia.png", rebuilt[0].Image.Path)
	assert.Greater(t, rebuilt[0].Version, first[0].Version)
}

func TestBuild_MissingPages(t *testing.T) {
	_, err := Build(story(0))
	assert.ErrorIs(t, err, ErrMissingStoryPages)
}

func TestRebuild_PreservesPaintedPages(t *testing.T) {
	pages, err := Build(story(10))
	require.NoError(t, err)

	painted := map[int]book.ObjectRef{}
	for _, n := range []int{1, 4, 9} {
		ref := book.ObjectRef{Store: "local", Path: fmt.Sprintf("books/b/page-%03d.png", n)}
		pages[n-1].Image = &ref
		pages[n-1].Version = 1
		painted[n] = ref
	}

	rebuilt, err := Rebuild(pages, story(10))
	require.NoError(t, err)
	require.Len(t, rebuilt, len(pages))

	count := 0
	for _, p := range rebuilt {
		if p.Painted() {
			count++
			assert.Equal(t, painted[p.PageNumber], *p.Image)
		}
	}
	assert.Equal(t, 3, count)

	again, err := Rebuild(rebuilt, story(10))
	require.NoError(t, err)
	assert.Equal(t, rebuilt, again, "rebuild is idempotent")
}

func TestValidateStory(t *testing.T) {
	raw := []byte(`{"lead_name":"Mia","companion":"Pip","setting":"sea","pages":[{"text":"a","prompt":"b"}]}`)
	s, err := ValidateStory(raw)
	require.NoError(t, err)
	assert.Equal(t, "Mia", s.LeadName)
	require.Len(t, s.Pages, 1)

	cases := map[string]string{
		"not json":            `{`,
		"no pages":            `{"lead_name":"Mia","companion":"Pip","setting":"sea","pages":[]}`,
		"missing lead":        `{"companion":"Pip","setting":"sea","pages":[{"text":"a","prompt":"b"}]}`,
		"empty prompt":        `{"lead_name":"Mia","companion":"Pip","setting":"sea","pages":[{"text":"a","prompt":""}]}`,
		"bad photo ref":       `{"lead_name":"Mia","companion":"Pip","setting":"sea","photo":"mia.png","pages":[{"text":"a","prompt":"b"}]}`,
		"photo not an upload": `{"lead_name":"Mia","companion":"Pip","setting":"sea","photo":"local://books/b/book.pdf","pages":[{"text":"a","prompt":"b"}]}`,
		"unknown field":       `{"lead_name":"Mia","companion":"Pip","setting":"sea","pages":[{"text":"a","prompt":"b"}],"x":1}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ValidateStory([]byte(body))
			assert.ErrorIs(t, err, ErrInvalidStory)
		})
	}
}
