package delivery

import (
	"fmt"
	"regexp"
)

// placeholderRe matches {{variable}} occurrences in template bodies.
var placeholderRe = regexp.MustCompile(`\{\{(\w+)\}\}`)

// DeclaredVariables is the vocabulary every template may reference.
// Callers supplying a full variable map are guaranteed a render with no
// remaining placeholders for these names.
var DeclaredVariables = []string{
	"property_name",
	"alert_level",
	"metric_name",
	"metric_value",
	"target_value",
	"change_percentage",
	"alert_message",
	"user_name",
	"date",
	"time",
}

// Render replaces every {{key}} in content with the string form of
// vars[key]. Placeholders with no matching variable are left untouched so
// missing data stays visible in the delivery log.
func Render(content string, vars map[string]interface{}) string {
	return placeholderRe.ReplaceAllStringFunc(content, func(m string) string {
		sub := placeholderRe.FindStringSubmatch(m)
		if len(sub) < 2 {
			return m
		}
		if v, ok := vars[sub[1]]; ok {
			return fmt.Sprint(v)
		}
		return m
	})
}

// RenderMessage renders subject and content with the same variable map.
func RenderMessage(subject, content string, vars map[string]interface{}) (string, string) {
	if subject != "" {
		subject = Render(subject, vars)
	}
	return subject, Render(content, vars)
}
