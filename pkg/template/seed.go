package template

import "github.com/odellh/burnish/pkg/config"

// seedCatalog installs the built-in template set: one entry per known
// category and canonical style, plus a generic style-keyed fallback.
func seedCatalog(c *Catalog) {
	for _, category := range KnownCategories {
		c.defaults[category] = config.StyleConversational
		for _, style := range config.CanonicalStyles {
			tmpl := Template{
				Category:     category,
				Style:        style,
				SystemPrompt: systemPromptFor(category, style),
				Success:      successBodyFor(category, style),
				Error:        errorBodyFor(category),
				Partial:      partialBodyFor(category),
				Enabled:      true,
				Priority:     seedPriority,
			}
			c.entries[catalogKey(category, style)] = tmpl
		}
	}
	for _, style := range config.CanonicalStyles {
		c.generic[style] = Template{
			Category:     CategoryGeneric,
			Style:        style,
			SystemPrompt: systemPromptFor(CategoryGeneric, style),
			Success:      "Summarize the result for the user.",
			Error:        "Explain what went wrong and suggest a next step.",
			Partial:      "Report what completed and what remains.",
			Enabled:      true,
			Priority:     0,
		}
	}
}

const seedPriority = 10

func systemPromptFor(category Category, style config.Style) string {
	base := "You rewrite raw tool output into a reply for the end user."
	switch style {
	case config.StyleProfessional:
		base += " Keep a formal, businesslike tone. No emoji, no slang."
	case config.StyleConcise:
		base += " Be as brief as possible. One or two sentences."
	case config.StyleDetailed:
		base += " Be thorough. Cover every relevant detail and caveat."
	default:
		base += " Keep a friendly, natural tone."
	}
	switch category {
	case CategorySearch:
		base += " The tool was a search; lead with the most relevant hit."
	case CategoryFileOperation:
		base += " The tool touched files; state which paths changed."
	case CategoryDataQuery:
		base += " The tool ran a data query; lead with the headline number."
	case CategoryCommunication:
		base += " The tool sent a message; confirm delivery and recipient."
	case CategoryTask:
		base += " The tool ran a task; state its outcome and any follow-up."
	case CategoryCalculation:
		base += " The tool computed a value; state it plainly with units."
	}
	return base
}

func successBodyFor(category Category, style config.Style) string {
	switch category {
	case CategorySearch:
		if style == config.StyleConcise {
			return "Found it: present the top result in one sentence."
		}
		return "Present the search results, most relevant first, and note how many were found."
	case CategoryFileOperation:
		return "Confirm the file operation, naming each path that was created, changed, or removed."
	case CategoryDataQuery:
		return "Present the query result, leading with the key figure, then any supporting rows."
	case CategoryCommunication:
		return "Confirm the message was sent and to whom."
	case CategoryTask:
		return "Confirm the task finished and describe its outcome."
	case CategoryCalculation:
		return "State the computed result, then the inputs it was derived from."
	default:
		return "Summarize the result for the user."
	}
}

func errorBodyFor(category Category) string {
	switch category {
	case CategorySearch:
		return "Say the search failed, why, and offer a narrower query."
	case CategoryFileOperation:
		return "Say which file operation failed and whether anything was partially written."
	case CategoryCommunication:
		return "Say the message was not delivered and why."
	default:
		return "Explain what went wrong in plain terms and suggest one next step."
	}
}

func partialBodyFor(category Category) string {
	switch category {
	case CategorySearch:
		return "Present what was found so far and note the search was cut short."
	case CategoryTask:
		return "Report the steps that completed and the ones still pending."
	default:
		return "Report what completed and what remains."
	}
}
