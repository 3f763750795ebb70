package obs

import (
	"io"
	"log"
	"os"
	"sync"
	"time"

	json "github.com/goccy/go-json"
)

var (
	mu           sync.Mutex
	base         = log.New(os.Stdout, "", 0)
	debugEnabled bool
)

// EnableDebug globally enables debug logs.
func EnableDebug(v bool) {
	mu.Lock()
	debugEnabled = v
	mu.Unlock()
}

// SetOutput redirects log lines, mostly for tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	base.SetOutput(w)
	mu.Unlock()
}

type Fields map[string]any

func logWith(level, event string, f Fields) {
	out := make(Fields, len(f)+3)
	for k, v := range f {
		if err, ok := v.(error); ok && err != nil {
			v = err.Error()
		}
		out[k] = v
	}
	out["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	out["level"] = level
	out["msg"] = event
	b, err := json.Marshal(out)
	if err != nil {
		base.Printf("{\"level\":\"error\",\"msg\":\"log marshal failure\",\"err\":%q}", err.Error())
		return
	}
	base.Println(string(b))
}

func Info(event string, f Fields)  { logWith("info", event, f) }
func Warn(event string, f Fields)  { logWith("warn", event, f) }
func Error(event string, f Fields) { logWith("error", event, f) }
func Debug(event string, f Fields) {
	mu.Lock()
	on := debugEnabled
	mu.Unlock()
	if on {
		logWith("debug", event, f)
	}
}
