package task

import (
	"sort"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/gary0122g/EnergyGateway/scheduler"
)

// LogLevelPrefix marks settings changing a log level, e.g. "log.task" = "debug"
const LogLevelPrefix = "log."

// SettingsTask periodically applies and persists pending settings
type SettingsTask struct {
	scheduler.BaseTask
	env *Env
}

// NewSettingsTask creates the settings task
func NewSettingsTask(env *Env, due time.Time) *SettingsTask {
	return &SettingsTask{
		BaseTask: scheduler.BaseTask{TaskName: "settings", DueAt: due},
		env:      env,
	}
}

func (t *SettingsTask) Execute(now time.Time) ([]scheduler.Task, error) {
	pending := t.env.Board.TakePendingSettings()

	keys := make([]string, 0, len(pending))
	for k := range pending {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := pending[key]
		if subsystem, ok := strings.CutPrefix(key, LogLevelPrefix); ok {
			if err := logging.SetLogLevel(subsystem, value); err != nil {
				t.env.Board.Error("setting %s: %v", key, err)
				continue
			}
		}
		if t.env.Store != nil {
			if err := t.env.Store.SaveSetting(key, value, now); err != nil {
				log.Errorw("saving setting failed", "key", key, "error", err)
				t.env.Board.Error("setting %s not saved: %v", key, err)
				continue
			}
		}
		t.env.Board.Info("setting %s = %s", key, value)
	}

	t.SetDue(now.Add(t.env.Config.SettingsInterval))
	return []scheduler.Task{t}, nil
}
