package stage

import (
	"fmt"
	"path"
	"strconv"
	"strings"

	"forgeline/internal/domain"
)

// Language-model output is split on documented heuristics (### Story: blocks,
// File: + fenced code). Parsing never fails: unparseable output degrades to a
// single best-effort artifact with a warning, because losing a whole
// generation to a formatting hiccup is worse than an imperfect result going to
// human review.

const storyHeading = "### Story:"

// parseStories splits AI output into ordered user stories.
func parseStories(text string) ([]domain.UserStory, []string) {
	var warnings []string
	var blocks []string
	var current []string
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), storyHeading) {
			if len(current) > 0 {
				blocks = append(blocks, strings.Join(current, "\n"))
			}
			current = []string{line}
			continue
		}
		if len(current) > 0 {
			current = append(current, line)
		}
	}
	if len(current) > 0 {
		blocks = append(blocks, strings.Join(current, "\n"))
	}

	if len(blocks) == 0 {
		warnings = append(warnings, "no story delimiters found, degraded to a single story")
		title := firstLine(text)
		if title == "" {
			title = "Untitled story"
		}
		return []domain.UserStory{{
			Index:       0,
			Title:       truncateTitle(title),
			Description: strings.TrimSpace(text),
			Status:      domain.StoryDraft,
		}}, warnings
	}

	stories := make([]domain.UserStory, 0, len(blocks))
	for i, block := range blocks {
		st := parseStoryBlock(block)
		st.Index = i
		st.Status = domain.StoryDraft
		stories = append(stories, st)
	}
	return stories, warnings
}

func parseStoryBlock(block string) domain.UserStory {
	var st domain.UserStory
	var desc []string
	inCriteria := false
	for _, line := range strings.Split(block, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, storyHeading):
			st.Title = strings.TrimSpace(strings.TrimPrefix(trimmed, storyHeading))
		case strings.EqualFold(trimmed, "Acceptance Criteria:"):
			inCriteria = true
		case strings.HasPrefix(trimmed, "Priority:"):
			inCriteria = false
			st.Priority = strings.TrimSpace(strings.TrimPrefix(trimmed, "Priority:"))
		case strings.HasPrefix(trimmed, "Points:"):
			inCriteria = false
			if n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(trimmed, "Points:"))); err == nil {
				st.StoryPoints = &n
			}
		case strings.HasPrefix(trimmed, "Tags:"):
			inCriteria = false
			for _, tag := range strings.Split(strings.TrimPrefix(trimmed, "Tags:"), ",") {
				if t := strings.TrimSpace(tag); t != "" {
					st.Tags = append(st.Tags, t)
				}
			}
		case inCriteria && strings.HasPrefix(trimmed, "- "):
			st.AcceptanceCriteria = append(st.AcceptanceCriteria, strings.TrimPrefix(trimmed, "- "))
		case trimmed != "" && !inCriteria:
			desc = append(desc, trimmed)
		}
	}
	st.Description = strings.Join(desc, "\n")
	if st.Title == "" {
		st.Title = truncateTitle(firstLine(st.Description))
	}
	return st
}

// renderStories produces the canonical text form submitted for review and fed
// to downstream context assembly.
func renderStories(stories []domain.UserStory) string {
	var b strings.Builder
	for _, st := range stories {
		fmt.Fprintf(&b, "%s %s\n", storyHeading, st.Title)
		if st.Description != "" {
			b.WriteString(st.Description)
			b.WriteString("\n")
		}
		if len(st.AcceptanceCriteria) > 0 {
			b.WriteString("Acceptance Criteria:\n")
			for _, c := range st.AcceptanceCriteria {
				fmt.Fprintf(&b, "- %s\n", c)
			}
		}
		if st.Priority != "" {
			fmt.Fprintf(&b, "Priority: %s\n", st.Priority)
		}
		if st.StoryPoints != nil {
			fmt.Fprintf(&b, "Points: %d\n", *st.StoryPoints)
		}
		if len(st.Tags) > 0 {
			fmt.Fprintf(&b, "Tags: %s\n", strings.Join(st.Tags, ", "))
		}
		b.WriteString("\n")
	}
	return b.String()
}

const filePrefix = "File:"

// parseCodeArtifacts splits AI output into file artifacts. Files are announced
// by a "File: <path>" line followed by a fenced block.
func parseCodeArtifacts(text, artifactType string) ([]domain.CodeArtifact, []string) {
	var warnings []string
	var artifacts []domain.CodeArtifact
	lines := strings.Split(text, "\n")
	i := 0
	for i < len(lines) {
		trimmed := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(trimmed, filePrefix) {
			i++
			continue
		}
		filePath := strings.TrimSpace(strings.TrimPrefix(trimmed, filePrefix))
		i++
		// skip blank lines before the fence
		for i < len(lines) && strings.TrimSpace(lines[i]) == "" {
			i++
		}
		if i >= len(lines) || !strings.HasPrefix(strings.TrimSpace(lines[i]), "```") {
			warnings = append(warnings, fmt.Sprintf("file %s has no fenced content, skipped", filePath))
			continue
		}
		i++
		var content []string
		closed := false
		for i < len(lines) {
			if strings.TrimSpace(lines[i]) == "```" {
				closed = true
				i++
				break
			}
			content = append(content, lines[i])
			i++
		}
		if !closed {
			warnings = append(warnings, fmt.Sprintf("file %s fence never closed", filePath))
		}
		artifacts = append(artifacts, domain.CodeArtifact{
			Index:    len(artifacts),
			Filename: path.Base(filePath),
			Path:     filePath,
			Content:  strings.Join(content, "\n"),
			Type:     classifyArtifact(filePath, artifactType),
		})
	}
	if len(artifacts) == 0 {
		warnings = append(warnings, "no file delimiters found, degraded to a single artifact")
		artifacts = append(artifacts, domain.CodeArtifact{
			Index:    0,
			Filename: "generated.txt",
			Path:     "generated.txt",
			Content:  strings.TrimSpace(text),
			Type:     artifactType,
		})
	}
	return artifacts, warnings
}

// classifyArtifact infers type from the path; the phase default wins unless
// the name clearly says otherwise.
func classifyArtifact(filePath, phaseDefault string) string {
	base := strings.ToLower(path.Base(filePath))
	switch {
	case strings.Contains(base, "_test.") || strings.Contains(base, ".test.") ||
		strings.HasPrefix(base, "test_") || strings.Contains(base, ".spec."):
		return domain.ArtifactTest
	case strings.HasSuffix(base, ".md") || strings.HasSuffix(base, ".txt"):
		return domain.ArtifactDoc
	case strings.HasSuffix(base, ".yml") || strings.HasSuffix(base, ".yaml") ||
		strings.HasSuffix(base, ".json") || strings.HasSuffix(base, ".toml") ||
		strings.HasSuffix(base, ".ini") || strings.HasSuffix(base, ".env"):
		return domain.ArtifactConfig
	default:
		return phaseDefault
	}
}

// validateArtifacts runs the lightweight plausibility pass over generated
// code. Findings become warnings attached to the stage, never hard failures:
// the human reviewer makes the final call.
func validateArtifacts(artifacts []domain.CodeArtifact) []string {
	var warnings []string
	hasTest := false
	for _, a := range artifacts {
		if a.Type == domain.ArtifactTest {
			hasTest = true
		}
		if strings.TrimSpace(a.Content) == "" {
			warnings = append(warnings, fmt.Sprintf("file %s is empty", a.Path))
		}
		if strings.Count(a.Content, "{") != strings.Count(a.Content, "}") {
			warnings = append(warnings, fmt.Sprintf("file %s has unbalanced braces", a.Path))
		}
	}
	if !hasTest {
		warnings = append(warnings, "no test artifacts generated")
	}
	return warnings
}

func renderArtifacts(artifacts []domain.CodeArtifact) string {
	var b strings.Builder
	for _, a := range artifacts {
		fmt.Fprintf(&b, "%s %s\n```\n%s\n```\n\n", filePrefix, a.Path, a.Content)
	}
	return b.String()
}

func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if t := strings.TrimSpace(line); t != "" {
			return t
		}
	}
	return ""
}

func truncateTitle(s string) string {
	const max = 120
	if len(s) <= max {
		return s
	}
	return s[:max]
}
