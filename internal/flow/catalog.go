package flow

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/BTreeMap/NexusCoach/internal/models"
	"gopkg.in/yaml.v3"
)

//go:embed default_catalog.yaml
var defaultCatalogYAML []byte

// MenuAction is what a main-menu option does.
type MenuAction string

const (
	ActionReply          MenuAction = "reply"
	ActionProprioception MenuAction = "proprioception"
	ActionMenu           MenuAction = "menu"
	ActionRegister       MenuAction = "register"
	ActionMonitoring     MenuAction = "monitoring"
)

// MenuOption is one numbered entry of the main menu.
type MenuOption struct {
	Key    string     `yaml:"key"`
	Label  string     `yaml:"label"`
	Action MenuAction `yaml:"action"`
	// Reply is sent for ActionReply options, which are one-shot per user.
	Reply string `yaml:"reply,omitempty"`
}

// Exercise is a technique the vision service can score.
type Exercise struct {
	Name         string `yaml:"name"`
	SideRequired bool   `yaml:"side_required,omitempty"`
}

// SubMenu is a prompt with numbered options.
type SubMenu struct {
	Prompt  string   `yaml:"prompt"`
	Options []string `yaml:"options"`
}

// Durations configures the session duration menu.
type Durations struct {
	Prompt     string `yaml:"prompt"`
	Minutes    []int  `yaml:"minutes"`
	OtherLabel string `yaml:"other_label"`
	MaxMinutes int    `yaml:"max_minutes"`
}

// ThresholdRange bounds user-entered alert thresholds.
type ThresholdRange struct {
	MinSeconds int `yaml:"min_seconds"`
	MaxSeconds int `yaml:"max_seconds"`
}

// Messages holds every user-visible text that is not a menu.
type Messages struct {
	InvalidOption       string   `yaml:"invalid_option"`
	ChooseOneOrTwo      string   `yaml:"choose_one_or_two"`
	InvalidExercise     string   `yaml:"invalid_exercise"`
	SendPhoto           string   `yaml:"send_photo"`
	PhotoFirst          string   `yaml:"photo_first"`
	AskSide             string   `yaml:"ask_side"`
	InvalidSide         string   `yaml:"invalid_side"`
	OneAttempt          string   `yaml:"one_attempt"`
	TrialUsed           string   `yaml:"trial_used"`
	DailyLimit          string   `yaml:"daily_limit"`
	GatewayUnavailable  string   `yaml:"gateway_unavailable"`
	Apology             string   `yaml:"apology"`
	AskName             string   `yaml:"ask_name"`
	InvalidName         string   `yaml:"invalid_name"`
	AskAge              string   `yaml:"ask_age"`
	InvalidAge          string   `yaml:"invalid_age"`
	AskCategory         string   `yaml:"ask_category"`
	CategoryOptions     []string `yaml:"category_options"`
	InvalidCategory     string   `yaml:"invalid_category"`
	AskCode             string   `yaml:"ask_code"`
	InvalidCode         string   `yaml:"invalid_code"`
	AskDevice           string   `yaml:"ask_device"`
	InvalidDevice       string   `yaml:"invalid_device"`
	DeviceTaken         string   `yaml:"device_taken"`
	Registered          string   `yaml:"registered"`
	RegistrationUpdated string   `yaml:"registration_updated"`
	CustomDuration      string   `yaml:"custom_duration"`
	InvalidNumber       string   `yaml:"invalid_number"`
	ConfirmSession      string   `yaml:"confirm_session"`
	YesOrNo             string   `yaml:"yes_or_no"`
	Cancelled           string   `yaml:"cancelled"`
	SessionOpened       string   `yaml:"session_opened"`
	NeedRegistration    string   `yaml:"need_registration"`
	NeedCalibration     string   `yaml:"need_calibration"`
	ThresholdPrompt     string   `yaml:"threshold_prompt"`
	ThresholdSaved      string   `yaml:"threshold_saved"`
	ThresholdLocked     string   `yaml:"threshold_locked"`
	ConfirmCalibrate    string   `yaml:"confirm_calibrate"`
	Calibrated          string   `yaml:"calibrated"`
	ConfirmEnd          string   `yaml:"confirm_end"`
	NoActiveSession     string   `yaml:"no_active_session"`
	Reminder            string   `yaml:"reminder"`
	SessionSummary      string   `yaml:"session_summary"`
}

// Catalog is the content the dialogue engine renders: menus, techniques and
// messages. It is loaded from YAML so that copy changes need no rebuild.
type Catalog struct {
	Menu           SubMenuWithOptions `yaml:"menu"`
	Proprioception SubMenu            `yaml:"proprioception"`
	Prices         string             `yaml:"prices"`
	ExercisePrompt string             `yaml:"exercise_prompt"`
	Exercises      []Exercise         `yaml:"exercises"`
	Monitoring     SubMenu            `yaml:"monitoring"`
	Durations      Durations          `yaml:"durations"`
	Threshold      ThresholdRange     `yaml:"threshold"`
	Messages       Messages           `yaml:"messages"`
}

// SubMenuWithOptions is the main menu: a prompt with keyed, typed options.
type SubMenuWithOptions struct {
	Prompt  string       `yaml:"prompt"`
	Options []MenuOption `yaml:"options"`
}

// ErrInvalidCatalog is returned when a catalog fails validation.
var ErrInvalidCatalog = errors.New("invalid catalog")

// DefaultCatalog returns the embedded catalog.
func DefaultCatalog() (*Catalog, error) {
	return ParseCatalog(defaultCatalogYAML)
}

// LoadCatalog reads a catalog from path, or the embedded default when path is empty.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates a YAML catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the structural requirements the engine relies on.
func (c *Catalog) Validate() error {
	if len(c.Menu.Options) == 0 {
		return fmt.Errorf("%w: main menu has no options", ErrInvalidCatalog)
	}
	seen := make(map[string]bool, len(c.Menu.Options))
	for _, o := range c.Menu.Options {
		if o.Key == "" || seen[o.Key] {
			return fmt.Errorf("%w: duplicate or empty menu key %q", ErrInvalidCatalog, o.Key)
		}
		seen[o.Key] = true
		switch o.Action {
		case ActionReply:
			if o.Reply == "" {
				return fmt.Errorf("%w: menu option %s has no reply", ErrInvalidCatalog, o.Key)
			}
		case ActionProprioception, ActionMenu, ActionRegister, ActionMonitoring:
		default:
			return fmt.Errorf("%w: menu option %s has unknown action %q", ErrInvalidCatalog, o.Key, o.Action)
		}
	}
	if len(c.Proprioception.Options) != 2 {
		return fmt.Errorf("%w: proprioception menu needs exactly 2 options", ErrInvalidCatalog)
	}
	if len(c.Exercises) == 0 {
		return fmt.Errorf("%w: no exercises", ErrInvalidCatalog)
	}
	if len(c.Monitoring.Options) != 5 {
		return fmt.Errorf("%w: monitoring menu needs exactly 5 options", ErrInvalidCatalog)
	}
	if len(c.Durations.Minutes) == 0 || c.Durations.MaxMinutes <= 0 {
		return fmt.Errorf("%w: durations are not configured", ErrInvalidCatalog)
	}
	if c.Threshold.MinSeconds <= 0 || c.Threshold.MaxSeconds < c.Threshold.MinSeconds {
		return fmt.Errorf("%w: threshold range is not valid", ErrInvalidCatalog)
	}
	if len(c.Messages.CategoryOptions) != 2 {
		return fmt.Errorf("%w: category menu needs exactly 2 options", ErrInvalidCatalog)
	}
	if c.Messages.InvalidOption == "" || c.Messages.Apology == "" {
		return fmt.Errorf("%w: core messages are missing", ErrInvalidCatalog)
	}
	return nil
}

// MenuOption returns the main-menu option for token.
func (c *Catalog) MenuOption(token string) (MenuOption, bool) {
	for _, o := range c.Menu.Options {
		if o.Key == token {
			return o, true
		}
	}
	return MenuOption{}, false
}

// ExerciseAt resolves a 1-based menu token to an exercise.
func (c *Catalog) ExerciseAt(token string) (Exercise, bool) {
	n, err := strconv.Atoi(token)
	if err != nil || n < 1 || n > len(c.Exercises) {
		return Exercise{}, false
	}
	return c.Exercises[n-1], true
}

// Exercise looks up an exercise by name.
func (c *Catalog) Exercise(name string) (Exercise, bool) {
	for _, e := range c.Exercises {
		if e.Name == name {
			return e, true
		}
	}
	return Exercise{}, false
}

func numbered(labels []string) []string {
	out := make([]string, len(labels))
	for i, l := range labels {
		out[i] = strconv.Itoa(i+1) + ". " + l
	}
	return out
}

// MainMenu renders the main menu.
func (c *Catalog) MainMenu() models.OutgoingMessage {
	opts := make([]string, len(c.Menu.Options))
	for i, o := range c.Menu.Options {
		opts[i] = o.Key + ". " + o.Label
	}
	return models.OutgoingMessage{Text: c.Menu.Prompt, Options: opts}
}

// ProprioceptionMenu renders the trial/prices sub-menu.
func (c *Catalog) ProprioceptionMenu() models.OutgoingMessage {
	return models.OutgoingMessage{Text: c.Proprioception.Prompt, Options: numbered(c.Proprioception.Options)}
}

// ExerciseMenu renders the technique list.
func (c *Catalog) ExerciseMenu() models.OutgoingMessage {
	names := make([]string, len(c.Exercises))
	for i, e := range c.Exercises {
		names[i] = e.Name
	}
	return models.OutgoingMessage{Text: c.ExercisePrompt, Options: numbered(names)}
}

// MonitoringMenu renders the posture-monitoring sub-menu.
func (c *Catalog) MonitoringMenu() models.OutgoingMessage {
	return models.OutgoingMessage{Text: c.Monitoring.Prompt, Options: numbered(c.Monitoring.Options)}
}

// DurationMenu renders the preset durations plus the custom entry.
func (c *Catalog) DurationMenu() models.OutgoingMessage {
	labels := make([]string, 0, len(c.Durations.Minutes)+1)
	for _, m := range c.Durations.Minutes {
		labels = append(labels, strconv.Itoa(m)+" min")
	}
	labels = append(labels, c.Durations.OtherLabel)
	return models.OutgoingMessage{Text: c.Durations.Prompt, Options: numbered(labels)}
}

// CategoryMenu renders the wizard's tier question.
func (c *Catalog) CategoryMenu() models.OutgoingMessage {
	return models.OutgoingMessage{Text: c.Messages.AskCategory, Options: numbered(c.Messages.CategoryOptions)}
}
