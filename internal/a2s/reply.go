package a2s

// InfoReply holds the fields of an info reply.
type InfoReply struct {
	Name        string
	Map         string
	Folder      string
	Description string
	AppID       uint64
	Clients     byte
	MaxClients  byte
	Bots        byte
	Platform    byte
	Password    bool
	Secure      bool
	Version     string
	Port        uint16
	SteamID     uint64
	Tags        string
}

// Player is a single entry of a player reply.
type Player struct {
	Name     string
	Score    int32
	Duration float32
}

// MaxPlayers is the largest roster a player reply can carry.
const MaxPlayers = 255

// AppendInfo writes a complete info reply to w.
func AppendInfo(w *Writer, info InfoReply) {
	w.Header(TypeInfoReply)
	w.Byte(ProtocolVersion)
	w.String(info.Name)
	w.String(info.Map)
	w.String(info.Folder)
	w.String(info.Description)
	w.Short(uint16(info.AppID))
	w.Byte(info.Clients)
	w.Byte(info.MaxClients)
	w.Byte(info.Bots)
	w.Byte(ServerTypeDedicated)
	w.Byte(info.Platform)
	w.Byte(boolByte(info.Password))
	w.Byte(boolByte(info.Secure))
	w.String(info.Version)

	edf := EDFPort | EDFSteamID | EDFLongAppID
	if info.Tags != "" {
		edf |= EDFTags
	}
	w.Byte(edf)
	w.Short(info.Port)
	w.LongLong(info.SteamID)
	if info.Tags != "" {
		w.String(info.Tags)
	}
	w.LongLong(info.AppID)
}

// AppendPlayers writes a complete player reply to w. Entries past
// MaxPlayers are dropped.
func AppendPlayers(w *Writer, players []Player) {
	if len(players) > MaxPlayers {
		players = players[:MaxPlayers]
	}
	w.Header(TypePlayerReply)
	w.Byte(byte(len(players)))
	for i, p := range players {
		w.Byte(byte(i))
		w.String(p.Name)
		w.Long(p.Score)
		w.Float(p.Duration)
	}
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
