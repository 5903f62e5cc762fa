// Package console prints the startup screen operators see in a terminal.
package console

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const version = "v0.1.0"

func Banner(role, name string, channel int32) {
	fmt.Println()
	fmt.Println("\033[36;1m  ┌───────────────────────────────────────────┐\033[0m")
	fmt.Printf("\033[36;1m  │\033[0m  %-41s\033[36;1m│\033[0m\n", "handoff "+role+"  "+version)
	fmt.Println("\033[36;1m  └───────────────────────────────────────────┘\033[0m")
	fmt.Println()
	fmt.Printf("  \033[1mserver:\033[0m %s \033[90m(channel %d)\033[0m\n\n", name, channel)
}

func Section(title string) {
	lineLen := max(46-utf8.RuneCountInString(title)-1, 3)
	fmt.Printf("  \033[33m── %s %s\033[0m\n", title, strings.Repeat("─", lineLen))
}

func Stat(label string, count int) {
	numStr := fmt.Sprintf("%d", count)
	dotsLen := max(42-utf8.RuneCountInString(label)-len(numStr), 3)
	fmt.Printf("  %s \033[90m%s\033[0m \033[32m%s\033[0m\n", label, strings.Repeat("·", dotsLen), numStr)
}

func OK(msg string) {
	fmt.Printf("  \033[32m✓\033[0m %s\n", msg)
}

func Ready(msg string) {
	fmt.Printf("  \033[32m▶\033[0m %s\n", msg)
}
