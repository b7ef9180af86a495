package notifications

import (
	"fmt"

	"github.com/bissquit/workout-notify/internal/domain"
	"golang.org/x/text/language"
)

// Content is a localized notification heading and body.
type Content struct {
	Heading string `json:"heading"`
	Body    string `json:"body"`
}

type template struct {
	heading string
	body    string // %s is replaced with the title and schedule
}

type catalog struct {
	templates map[EventType]template
	fallback  template
	at        string // joins date and time
}

var catalogs = map[domain.Language]catalog{
	domain.LanguageEnglish: {
		templates: map[EventType]template{
			EventNewWorkout:     {"New Workout Available!", "%s has been added"},
			EventWorkoutUpdated: {"Workout Updated", "%s has been updated"},
			EventWorkoutDeleted: {"Workout Cancelled", "%s has been cancelled"},
			EventSpotFreed:      {"Spot Available!", "A spot opened up for %s"},
			EventWorkoutFull:    {"Workout Full", "%s is now fully booked"},
		},
		fallback: template{"Club Notification", "%s"},
		at:       "at",
	},
	domain.LanguageBulgarian: {
		templates: map[EventType]template{
			EventNewWorkout:     {"Нова тренировка!", "%s беше добавена"},
			EventWorkoutUpdated: {"Промяна в тренировка", "%s беше променена"},
			EventWorkoutDeleted: {"Отменена тренировка", "%s беше отменена"},
			EventSpotFreed:      {"Освободено място!", "Освободи се място за %s"},
			EventWorkoutFull:    {"Тренировката е пълна", "%s е напълно запълнена"},
		},
		fallback: template{"Известие от клуба", "%s"},
		at:       "в",
	},
}

var supportedTags = []language.Tag{
	language.English, // default, must stay first
	language.Bulgarian,
}

var supportedLanguages = []domain.Language{
	domain.LanguageEnglish,
	domain.LanguageBulgarian,
}

// Localizer produces notification content in a recipient's language.
type Localizer struct {
	matcher language.Matcher
}

// NewLocalizer creates a new Localizer.
func NewLocalizer() *Localizer {
	return &Localizer{matcher: language.NewMatcher(supportedTags)}
}

// ParseLanguage maps a stored preference such as "bg", "bg-BG" or "en-US"
// to a supported language. Unknown or empty preferences map to English.
func (l *Localizer) ParseLanguage(pref string) domain.Language {
	if pref == "" {
		return domain.LanguageEnglish
	}
	tag, err := language.Parse(pref)
	if err != nil {
		return domain.LanguageEnglish
	}
	_, idx, confidence := l.matcher.Match(tag)
	if confidence == language.No {
		return domain.LanguageEnglish
	}
	return supportedLanguages[idx]
}

// Localize renders the request for one language.
// Dates and times are passed through untranslated.
func (l *Localizer) Localize(req *Request, lang domain.Language) Content {
	cat, ok := catalogs[lang]
	if !ok {
		lang = domain.LanguageEnglish
		cat = catalogs[lang]
	}

	tmpl, ok := cat.templates[req.Type]
	if !ok {
		tmpl = cat.fallback
	}

	title := req.WorkoutTitle
	if lang == domain.LanguageBulgarian && req.WorkoutTitleBg != "" {
		title = req.WorkoutTitleBg
	}

	return Content{
		Heading: tmpl.heading,
		Body:    fmt.Sprintf(tmpl.body, withSchedule(title, req.WorkoutDate, req.WorkoutTime, cat.at)),
	}
}

// withSchedule formats "<title> - <date> <at> <time>", omitting absent parts.
func withSchedule(title, date, clock, at string) string {
	s := title
	if date != "" {
		s += " - " + date
	}
	if clock != "" {
		s += " " + at + " " + clock
	}
	return s
}
