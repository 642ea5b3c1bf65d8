package main

import (
	"fmt"

	"github.com/flowforge/engine/internal/buildinfo"
)

func main() {
	info := buildinfo.GetInfo()
	fmt.Println(info.String())
}
