// Package main provides the tapedeck command-line client.
package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"math"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/joho/godotenv"

	apiconnect "github.com/osa030/tapedeck/internal/api/connect"
)

var (
	app    = kingpin.New("tapedeck", "tapedeck client")
	server = app.Flag("server", "Server address").Default("http://localhost:8080").String()
	token  = app.Flag("token", "Access token (or set TAPEDECK_TOKEN env)").Envar("TAPEDECK_TOKEN").String()

	// upload command
	uploadCmd   = app.Command("upload", "Upload audio files")
	uploadFiles = uploadCmd.Arg("files", "Audio files").Required().ExistingFiles()

	// list command
	listCmd = app.Command("list", "List tracks").Alias("ls")

	// delete command
	deleteCmd = app.Command("delete", "Delete a track").Alias("rm")
	deleteID  = deleteCmd.Arg("track-id", "Track ID").Required().String()

	// select command
	selectCmd = app.Command("select", "Make a track current")
	selectID  = selectCmd.Arg("track-id", "Track ID").Required().String()

	playCmd   = app.Command("play", "Start playback")
	pauseCmd  = app.Command("pause", "Pause playback")
	toggleCmd = app.Command("toggle", "Toggle play and pause")
	muteCmd   = app.Command("mute", "Toggle mute")
	nextCmd   = app.Command("next", "Play the next track")
	prevCmd   = app.Command("prev", "Play the previous track")

	// seek command
	seekCmd     = app.Command("seek", "Seek within the current track")
	seekSeconds = seekCmd.Arg("seconds", "Position in seconds").Required().Float64()

	// volume command
	volumeCmd   = app.Command("volume", "Set the volume")
	volumeLevel = volumeCmd.Arg("level", "Volume between 0 and 1").Required().Float64()

	// status command
	statusCmd = app.Command("status", "Show deck status")

	// export command
	exportCmd  = app.Command("export", "Export the playlist")
	exportName = exportCmd.Flag("name", "Playlist name").String()
	exportOut  = exportCmd.Flag("out", "Output file (default: stdout)").Short('o').String()

	// import command
	importCmd  = app.Command("import", "Import an exported playlist")
	importFile = importCmd.Arg("file", "Export document").Required().ExistingFile()

	// subscribe command
	subscribeCmd = app.Command("subscribe", "Stream deck notifications")
)

func main() {
	// Load .env file if it exists (errors are ignored)
	_ = godotenv.Load()

	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	client := apiconnect.NewClient(http.DefaultClient, *server, *token)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch command {
	case uploadCmd.FullCommand():
		err = upload(ctx, client, *uploadFiles)
	case listCmd.FullCommand():
		err = listTracks(ctx, client)
	case deleteCmd.FullCommand():
		err = runCommand(ctx, client, apiconnect.DeleteTrackProcedure, map[string]any{"id": *deleteID})
	case selectCmd.FullCommand():
		err = runCommand(ctx, client, apiconnect.SelectTrackProcedure, map[string]any{"id": *selectID})
	case playCmd.FullCommand():
		err = runCommand(ctx, client, apiconnect.PlayProcedure, nil)
	case pauseCmd.FullCommand():
		err = runCommand(ctx, client, apiconnect.PauseProcedure, nil)
	case toggleCmd.FullCommand():
		err = runCommand(ctx, client, apiconnect.TogglePlayPauseProcedure, nil)
	case muteCmd.FullCommand():
		err = runCommand(ctx, client, apiconnect.ToggleMuteProcedure, nil)
	case nextCmd.FullCommand():
		err = runCommand(ctx, client, apiconnect.NextProcedure, nil)
	case prevCmd.FullCommand():
		err = runCommand(ctx, client, apiconnect.PreviousProcedure, nil)
	case seekCmd.FullCommand():
		err = runCommand(ctx, client, apiconnect.SeekProcedure, map[string]any{"seconds": *seekSeconds})
	case volumeCmd.FullCommand():
		err = runCommand(ctx, client, apiconnect.SetVolumeProcedure, map[string]any{"volume": *volumeLevel})
	case statusCmd.FullCommand():
		err = status(ctx, client)
	case exportCmd.FullCommand():
		err = export(ctx, client, *exportName, *exportOut)
	case importCmd.FullCommand():
		err = importPlaylist(ctx, client, *importFile)
	case subscribeCmd.FullCommand():
		err = subscribe(ctx, client)
	}
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

// runCommand runs a command and prints the resulting state.
func runCommand(ctx context.Context, client *apiconnect.Client, procedure string, fields map[string]any) error {
	res, err := client.Call(ctx, procedure, fields)
	if err != nil {
		return err
	}
	printState(asMap(res["state"]))
	return nil
}

func upload(ctx context.Context, client *apiconnect.Client, paths []string) error {
	files := make([]any, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		// Declare only audio types; the server falls back to extension and content otherwise
		declared := ""
		if mt := mimetype.Detect(data).String(); strings.HasPrefix(mt, "audio/") {
			declared = mt
		}
		files = append(files, map[string]any{
			"name": filepath.Base(path),
			"type": declared,
			"data": base64.StdEncoding.EncodeToString(data),
		})
	}

	res, err := client.Call(ctx, apiconnect.UploadProcedure, map[string]any{"files": files})
	if err != nil {
		return err
	}
	printOutcomes(res["outcomes"])
	return nil
}

func listTracks(ctx context.Context, client *apiconnect.Client) error {
	res, err := client.Call(ctx, apiconnect.ListTracksProcedure, nil)
	if err != nil {
		return err
	}
	status, err := client.Call(ctx, apiconnect.GetStatusProcedure, nil)
	if err != nil {
		return err
	}
	currentID, _ := asMap(status["state"])["currentTrackId"].(string)

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"", "#", "ID", "Name", "Duration", "Size", "Type"})

	tracks, _ := res["tracks"].([]any)
	for i, raw := range tracks {
		tr := asMap(raw)
		id, _ := tr["id"].(string)
		indicator := ""
		if id == currentID {
			indicator = text.FgGreen.Sprint("▶")
		}
		t.AppendRow(table.Row{
			indicator,
			i + 1,
			id,
			tr["name"],
			formatSeconds(number(tr["duration"])),
			humanize.IBytes(uint64(number(tr["size"]))),
			tr["type"],
		})
	}
	t.AppendFooter(table.Row{"", "", "", fmt.Sprintf("%d tracks", len(tracks)), formatSeconds(number(status["totalDuration"]))})
	t.Render()
	return nil
}

func status(ctx context.Context, client *apiconnect.Client) error {
	res, err := client.Call(ctx, apiconnect.GetStatusProcedure, nil)
	if err != nil {
		return err
	}

	fmt.Println("\n=== DECK STATUS ===")
	fmt.Printf("Tracks: %d (%s)\n", int(number(res["trackCount"])), formatSeconds(number(res["totalDuration"])))
	fmt.Printf("Subscribers: %d\n", int(number(res["subscribers"])))
	if cur := asMap(res["currentTrack"]); cur != nil {
		fmt.Println("\nCurrent Track:")
		fmt.Printf("  ID: %s\n", cur["id"])
		fmt.Printf("  Name: %s\n", cur["name"])
		fmt.Printf("  Size: %s\n", humanize.IBytes(uint64(number(cur["size"]))))
	} else {
		fmt.Println("\nNo current track")
	}
	fmt.Println()
	printState(asMap(res["state"]))
	return nil
}

func export(ctx context.Context, client *apiconnect.Client, name, out string) error {
	fields := map[string]any{}
	if name != "" {
		fields["name"] = name
	}
	res, err := client.Call(ctx, apiconnect.ExportProcedure, fields)
	if err != nil {
		return err
	}
	doc, _ := res["document"].(string)
	if out == "" {
		fmt.Println(doc)
		return nil
	}
	if err := os.WriteFile(out, []byte(doc), 0o644); err != nil {
		return err
	}
	fmt.Printf("Exported %s to %s\n", humanize.Bytes(uint64(len(doc))), out)
	return nil
}

func importPlaylist(ctx context.Context, client *apiconnect.Client, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	res, err := client.Call(ctx, apiconnect.ImportProcedure, map[string]any{"document": string(data)})
	if err != nil {
		return err
	}
	printOutcomes(res["outcomes"])
	return nil
}

func subscribe(ctx context.Context, client *apiconnect.Client) error {
	fmt.Println("Waiting for notifications (Ctrl+C to stop)...")
	return client.Subscribe(ctx, func(n map[string]any) error {
		state := asMap(n["state"])
		line := fmt.Sprintf("[%d] %-8s %-8s %s/%s track=%v",
			int64(number(n["sequenceNo"])),
			n["kind"],
			state["status"],
			formatSeconds(number(state["currentTime"])),
			formatSeconds(number(state["duration"])),
			state["currentTrackId"],
		)
		if msg, ok := n["message"].(string); ok {
			line += " " + text.FgHiRed.Sprint(msg)
		}
		fmt.Println(line)
		return nil
	})
}

func printOutcomes(raw any) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"File", "Result", "Track ID", "Detail"})

	outcomes, _ := raw.([]any)
	for _, r := range outcomes {
		o := asMap(r)
		if ok, _ := o["ok"].(bool); ok {
			tr := asMap(o["track"])
			t.AppendRow(table.Row{o["filename"], text.FgGreen.Sprint("added"), tr["id"], tr["name"]})
			continue
		}
		t.AppendRow(table.Row{o["filename"], text.FgHiRed.Sprint("rejected"), "", fmt.Sprintf("%v: %v", o["code"], o["error"])})
	}
	t.Render()
}

func printState(state map[string]any) {
	if state == nil {
		return
	}
	mute := ""
	if muted, _ := state["muted"].(bool); muted {
		mute = " (muted)"
	}
	fmt.Printf("Status: %s\n", state["status"])
	fmt.Printf("Track: %v (index %d)\n", state["currentTrackId"], int(number(state["queueIndex"])))
	fmt.Printf("Position: %s / %s\n", formatSeconds(number(state["currentTime"])), formatSeconds(number(state["duration"])))
	fmt.Printf("Volume: %.0f%%%s\n", number(state["volume"])*100, mute)
	if msg, _ := state["error"].(string); msg != "" {
		fmt.Printf("Error: %s\n", msg)
	}
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func number(v any) float64 {
	f, _ := v.(float64)
	return f
}

func formatSeconds(s float64) string {
	if s <= 0 || math.IsNaN(s) {
		return "--:--"
	}
	d := time.Duration(s * float64(time.Second)).Round(time.Second)
	return fmt.Sprintf("%d:%02d", int(d.Minutes()), int(d.Seconds())%60)
}
