package app

// Key binding constants used in the key handlers.
const (
	KeyQuit      = "q"
	KeyQuitUpper = "Q"
	KeyCtrlC     = "ctrl+c"
	KeyEsc       = "esc"
	KeyTab       = "tab"
	KeyUp        = "up"
	KeyDown      = "down"
	KeyPgUp      = "pgup"
	KeyPgDown    = "pgdown"
	KeyJ         = "j"
	KeyK         = "k"
	KeyEnter     = "enter"

	// Device list.
	KeyAdd    = "a"
	KeyDelete = "x"
	KeyYes    = "y"
	KeyNo     = "n"

	// Device view. Plain letters belong to the send box.
	KeyReconnect = "ctrl+r"
	KeyClear     = "ctrl+e"
	KeyDetails   = "ctrl+d"
	KeyInitRelay = "ctrl+t"
	KeyLive      = "ctrl+g"
)
