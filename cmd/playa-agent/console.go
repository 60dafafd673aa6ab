package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/playa/presence/internal/agent"
	"github.com/playa/presence/internal/menu"
	"github.com/playa/presence/internal/venue"
)

const consoleHelp = `commands:
  avatars              list visible avatars
  menu <uid>           open the menu for a participant (your own uid for yours)
  <n>                  pick choice n of the open menu
  x                    dismiss the open menu
  move <x> <y>         move your avatar
  bike on|off          toggle bike mode
  away on|off          mark yourself away
  shout <text>         shout to everyone nearby
  quit`

// console is a line-oriented Display: menus are printed and answered by
// number on stdin.
type console struct {
	in  io.Reader
	out io.Writer

	mu   sync.Mutex
	open *menu.Menu
}

func newConsole(in io.Reader, out io.Writer) *console {
	return &console{in: in, out: out}
}

// ShowMenu implements agent.Display.
func (c *console) ShowMenu(m menu.Menu) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = &m

	fmt.Fprintf(c.out, "\n%s\n", m.Prompt)
	for i, choice := range m.Choices {
		fmt.Fprintf(c.out, "  %d) %s\n", i+1, strings.ReplaceAll(choice.Text, "\n", " "))
	}
	if m.Cancelable || m.OnHide != nil {
		fmt.Fprintln(c.out, "  x) dismiss")
	}
}

// ViewProfile implements agent.Display.
func (c *console) ViewProfile(p venue.Participant) {
	room := "not in a chat"
	if owner := p.RoomOwner(); owner != "" {
		room = "in the chat hosted by " + owner
	}
	fmt.Fprintf(c.out, "profile: %s (%s), %s\n", p.PartyName, p.ID, room)
}

// take closes the open menu and returns it.
func (c *console) take() *menu.Menu {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.open
	c.open = nil
	return m
}

// Run reads commands until input ends, "quit" or ctx is done.
func (c *console) Run(ctx context.Context, a *agent.Agent) {
	fmt.Fprintln(c.out, consoleHelp)
	scanner := bufio.NewScanner(c.in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		if !c.exec(ctx, a, strings.TrimSpace(scanner.Text())) {
			return
		}
	}
}

// exec runs one command line. It returns false on quit.
func (c *console) exec(ctx context.Context, a *agent.Agent, line string) bool {
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "":
	case "quit", "exit":
		return false
	case "help":
		fmt.Fprintln(c.out, consoleHelp)
	case "avatars":
		for _, av := range a.Avatars() {
			fmt.Fprintf(c.out, "%s %-20s (%.0f, %.0f)%s\n", av.UID, av.Name, av.X, av.Y, avatarFlags(av))
		}
	case "menu":
		if !a.Select(arg) {
			fmt.Fprintf(c.out, "no one called %q here\n", arg)
		}
	case "x":
		m := c.take()
		if m == nil {
			return true
		}
		a.Dismiss(ctx, *m)
	case "move":
		x, y, err := parsePoint(arg)
		if err != nil {
			fmt.Fprintln(c.out, err)
			return true
		}
		c.report(a.Move(x, y))
	case "bike":
		c.report(a.SetBike(arg == "on"))
	case "away":
		c.report(a.SetAway(arg == "on"))
	case "shout":
		c.report(a.Shout(ctx, arg))
	default:
		n, err := strconv.Atoi(cmd)
		if err != nil {
			fmt.Fprintf(c.out, "unknown command %q (try help)\n", cmd)
			return true
		}
		m := c.take()
		if m == nil || n < 1 || n > len(m.Choices) {
			fmt.Fprintln(c.out, "no such choice")
			return true
		}
		a.Dispatch(ctx, m.Choices[n-1].Action)
	}
	return true
}

func (c *console) report(err error) {
	if err != nil {
		fmt.Fprintf(c.out, "error: %v\n", err)
	}
}

func parsePoint(arg string) (float64, float64, error) {
	fields := strings.Fields(arg)
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("usage: move <x> <y>")
	}
	x, errX := strconv.ParseFloat(fields[0], 64)
	y, errY := strconv.ParseFloat(fields[1], 64)
	if errX != nil || errY != nil {
		return 0, 0, fmt.Errorf("usage: move <x> <y>")
	}
	return x, y, nil
}

func avatarFlags(av agent.Avatar) string {
	var flags []string
	if av.Self {
		flags = append(flags, "you")
	}
	if av.Bike {
		flags = append(flags, "bike")
	}
	if av.VideoLocked {
		flags = append(flags, "video locked")
	}
	for _, s := range av.Shouts {
		flags = append(flags, fmt.Sprintf("shouts %q", s.Text))
	}
	if len(flags) == 0 {
		return ""
	}
	return " [" + strings.Join(flags, ", ") + "]"
}
