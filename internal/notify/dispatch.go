package notify

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
)

// DesktopDispatcher shows notifications with notify-send on Linux, osascript
// on macOS and a PowerShell toast on Windows. The helper process is started
// and not waited on.
type DesktopDispatcher struct {
	GOOS string // defaults to runtime.GOOS
}

func (d *DesktopDispatcher) goos() string {
	if d.GOOS != "" {
		return d.GOOS
	}
	return runtime.GOOS
}

func (d *DesktopDispatcher) command(title, body string) (string, []string, error) {
	switch d.goos() {
	case "linux", "freebsd", "openbsd", "netbsd":
		return "notify-send", []string{"--app-name=posture-guard", title, body}, nil
	case "darwin":
		script := fmt.Sprintf("display notification %s with title %s", strconv.Quote(body), strconv.Quote(title))
		return "osascript", []string{"-e", script}, nil
	case "windows":
		return "powershell", []string{"-NoProfile", "-NonInteractive", "-Command", toastScript(title, body)}, nil
	default:
		return "", nil, fmt.Errorf("desktop notifications unsupported on %s", d.goos())
	}
}

const toastTemplate = `$n = [Windows.UI.Notifications.ToastNotificationManager, Windows.UI.Notifications, ContentType = WindowsRuntime]
$x = $n::GetTemplateContent([Windows.UI.Notifications.ToastTemplateType]::ToastText02)
$t = $x.GetElementsByTagName('text')
$t.Item(0).AppendChild($x.CreateTextNode(%s)) > $null
$t.Item(1).AppendChild($x.CreateTextNode(%s)) > $null
$n::CreateToastNotifier('posture-guard').Show([Windows.UI.Notifications.ToastNotification]::new($x))`

func toastScript(title, body string) string {
	return fmt.Sprintf(toastTemplate, psQuote(title), psQuote(body))
}

// psQuote returns s as a PowerShell single-quoted literal.
func psQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// Available reports whether the helper binary is installed.
func (d *DesktopDispatcher) Available(ctx context.Context) bool {
	name, _, err := d.command("", "")
	if err != nil {
		return false
	}
	_, err = exec.LookPath(name)
	return err == nil
}

// Send starts the helper without waiting for it.
func (d *DesktopDispatcher) Send(title, body string) error {
	name, args, err := d.command(title, body)
	if err != nil {
		return err
	}
	cmd := exec.Command(name, args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", name, err)
	}
	go func() {
		if err := cmd.Wait(); err != nil {
			log.Debug("%s exited: %v", name, err)
		}
	}()
	return nil
}

// LogDispatcher writes notifications to the log. It is always available.
type LogDispatcher struct{}

func (LogDispatcher) Available(ctx context.Context) bool { return true }

func (LogDispatcher) Send(title, body string) error {
	if body == "" {
		return errors.New("empty notification")
	}
	log.Warn("%s: %s", title, body)
	return nil
}

// Fanout sends to every dispatcher and is available when any of them is.
type Fanout []Dispatcher

func (f Fanout) Available(ctx context.Context) bool {
	for _, d := range f {
		if d.Available(ctx) {
			return true
		}
	}
	return false
}

func (f Fanout) Send(title, body string) error {
	var errs []error
	for _, d := range f {
		if err := d.Send(title, body); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == len(f) {
		return errors.Join(errs...)
	}
	return nil
}
