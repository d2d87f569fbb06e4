package service

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"engagecrm/internal/models"
)

// placeholderPattern matches {{token}} with optional inner spaces.
// Tokens may contain letters, digits, underscores and dots.
var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.]+)\s*\}\}`)

// knownTokens are always resolvable from a contact, even when the field is empty
var knownTokens = map[string]bool{
	"name": true, "nome": true,
	"first_name": true, "primeiro_nome": true,
	"phone": true, "telefone": true,
	"email": true,
	"company_name": true, "empresa": true,
	"cpf": true, "cnpj": true,
	"address_street": true, "address_number": true, "address_complement": true,
	"address_neighborhood": true, "address_city": true, "address_state": true,
	"address_zip": true,
}

// TemplateService handles message template rendering
type TemplateService struct{}

// NewTemplateService creates a new template service
func NewTemplateService() *TemplateService {
	return &TemplateService{}
}

// Render substitutes every {{token}} with the contact's value.
// Known tokens with no value render empty; unknown tokens are left as written.
func (s *TemplateService) Render(template string, contact *models.Contact) (string, error) {
	if template == "" {
		return "", fmt.Errorf("template cannot be empty")
	}
	if contact == nil {
		return "", fmt.Errorf("contact cannot be nil")
	}

	return RenderWith(template, contact.TemplateValues()), nil
}

// RenderWith substitutes placeholders from values, keeping unmatched tokens literal
func RenderWith(template string, values map[string]string) string {
	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		token := placeholderPattern.FindStringSubmatch(match)[1]
		if value, ok := values[token]; ok {
			return value
		}
		if key, ok := strings.CutPrefix(token, models.CustomFieldPrefix); ok {
			if value, ok := values[key]; ok {
				return value
			}
		}
		return match
	})
}

// Placeholders extracts the distinct token names in order of first appearance
func (s *TemplateService) Placeholders(template string) []string {
	seen := make(map[string]bool)
	tokens := []string{}
	for _, m := range placeholderPattern.FindAllStringSubmatch(template, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			tokens = append(tokens, m[1])
		}
	}
	return tokens
}

// UnknownPlaceholders lists tokens the contact cannot resolve
func (s *TemplateService) UnknownPlaceholders(template string, contact *models.Contact) []string {
	values := map[string]string{}
	if contact != nil {
		values = contact.TemplateValues()
	}

	unknown := []string{}
	for _, token := range s.Placeholders(template) {
		if knownTokens[token] {
			continue
		}
		if _, ok := values[token]; ok {
			continue
		}
		if key, ok := strings.CutPrefix(token, models.CustomFieldPrefix); ok {
			if _, ok := values[key]; ok {
				continue
			}
		}
		unknown = append(unknown, token)
	}
	return unknown
}

// ValidateTemplate checks the template is non-empty and its braces are balanced
func (s *TemplateService) ValidateTemplate(template string) error {
	if strings.TrimSpace(template) == "" {
		return fmt.Errorf("template cannot be empty")
	}

	openCount := strings.Count(template, "{{")
	closeCount := strings.Count(template, "}}")
	if openCount != closeCount {
		return fmt.Errorf("template has unbalanced braces: %d open, %d close", openCount, closeCount)
	}

	return nil
}

// MessageLength counts characters, not bytes
func MessageLength(text string) int {
	return utf8.RuneCountInString(text)
}
