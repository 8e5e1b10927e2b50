package main

import (
	"image/color"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/theme"
)

type appTheme struct {
	mode    string
	compact bool
}

func makeTheme(mode string, compact bool) fyne.Theme { return &appTheme{mode: mode, compact: compact} }

func (t *appTheme) base() fyne.Theme {
	if t.mode == "light" {
		return theme.LightTheme()
	}
	return theme.DarkTheme()
}

func (t *appTheme) Color(n fyne.ThemeColorName, v fyne.ThemeVariant) color.Color {
	dark := t.mode != "light"
	switch n {
	case theme.ColorNameForeground:
		if dark {
			return color.NRGBA{240, 240, 240, 255}
		}
		return color.NRGBA{0, 0, 0, 255}
	case theme.ColorNamePlaceHolder, theme.ColorNameDisabled:
		// the log pane is a disabled entry and must stay readable
		if dark {
			return color.NRGBA{205, 210, 215, 255}
		}
		return color.NRGBA{70, 70, 70, 255}
	case theme.ColorNamePrimary:
		return color.NRGBA{131, 110, 249, 255}
	}
	return t.base().Color(n, v)
}

func (t *appTheme) Font(style fyne.TextStyle) fyne.Resource { return t.base().Font(style) }

func (t *appTheme) Icon(n fyne.ThemeIconName) fyne.Resource { return t.base().Icon(n) }

func (t *appTheme) Size(n fyne.ThemeSizeName) float32 {
	base := t.base().Size(n)
	switch n {
	case theme.SizeNameText:
		if t.compact {
			return base * 0.95
		}
		return base * 1.05
	case theme.SizeNamePadding:
		if t.compact {
			return base * 0.85
		}
		return base * 1.10
	}
	return base
}
