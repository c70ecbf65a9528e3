package flow

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/BTreeMap/MealPipe/internal/models"
)

// Command is a slash or bang command recognized at any stage.
type Command string

const (
	CommandNone        Command = ""
	CommandStart       Command = "start"
	CommandGroceryList Command = "grocerylist"
	CommandPlan        Command = "plan"
)

// cuisineDoneLabel is the extra keyboard entry that ends the cuisine loop.
const cuisineDoneLabel = "Done"

var doneWords = map[string]bool{
	"done":          true,
	"no":            true,
	"none":          true,
	"skip":          true,
	"no preference": true,
	"any":           true,
}

// ParseCommand recognizes the commands accepted regardless of stage.
func ParseCommand(text string) Command {
	switch normalize(text) {
	case "/start", "!start", "restart", "/restart", "!restart":
		return CommandStart
	case "/grocerylist", "!grocerylist", "/grocery", "!grocery":
		return CommandGroceryList
	case "/plan", "!plan", "/mealplan", "!mealplan":
		return CommandPlan
	}
	return CommandNone
}

// MatchOption resolves input to an option value by value, label, alias or 1-based index.
func MatchOption(options []models.Option, input string) (string, bool) {
	in := normalize(input)
	if in == "" {
		return "", false
	}
	if i, err := strconv.Atoi(in); err == nil {
		if i >= 1 && i <= len(options) {
			return options[i-1].Value, true
		}
		return "", false
	}
	for _, o := range options {
		if in == strings.ToLower(o.Value) || in == strings.ToLower(o.Label) {
			return o.Value, true
		}
		for _, a := range o.Aliases {
			if in == strings.ToLower(a) {
				return o.Value, true
			}
		}
	}
	return "", false
}

// ParseCuisines reads a cuisine answer. The answer may list several cuisines separated by
// commas or "and", by name or keyboard number, and may end the loop with a done word.
// ok is false when any part is unrecognized, in which case nothing should be applied.
func ParseCuisines(input string) (cuisines []string, done bool, ok bool) {
	in := normalize(input)
	if in == "" {
		return nil, false, false
	}
	if doneWords[in] {
		return nil, true, true
	}
	in = strings.ReplaceAll(in, " and ", ",")
	for _, part := range strings.Split(in, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if doneWords[part] {
			done = true
			continue
		}
		if i, err := strconv.Atoi(part); err == nil {
			switch {
			case i >= 1 && i <= len(models.Cuisines):
				cuisines = append(cuisines, models.Cuisines[i-1])
			case i == len(models.Cuisines)+1:
				done = true
			default:
				return nil, false, false
			}
			continue
		}
		c, found := models.CanonicalCuisine(part)
		if !found {
			return nil, false, false
		}
		cuisines = append(cuisines, c)
	}
	if len(cuisines) == 0 && !done {
		return nil, false, false
	}
	return cuisines, done, true
}

var amountPattern = regexp.MustCompile(`[-+]?\d*\.?\d+`)

// ParseBudget reads a positive finite amount. Currency words and symbols around the number are
// ignored, as are thousands separators. Input holding more than one number is rejected.
func ParseBudget(input string) (float64, bool) {
	in := strings.ReplaceAll(normalize(input), ",", "")
	amounts := amountPattern.FindAllString(in, -1)
	if len(amounts) != 1 {
		return 0, false
	}
	v, err := strconv.ParseFloat(amounts[0], 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return 0, false
	}
	return v, true
}

// ParseYesNo reads a yes/no answer, also accepting the keyboard numbers 1 and 2.
func ParseYesNo(input string) (yes bool, ok bool) {
	switch normalize(input) {
	case "yes", "y", "yeah", "yep", "sure", "ok", "okay", "1":
		return true, true
	case "no", "n", "nope", "nah", "2":
		return false, true
	}
	return false, false
}

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimRight(s, ".!")
	return strings.Join(strings.Fields(s), " ")
}
