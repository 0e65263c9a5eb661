package wabinary

// singleByteTokens is the shared dictionary. The position of a string is the
// byte written after TagToken, so entries must never be reordered or removed;
// new strings go at the end.
var singleByteTokens = [...]string{
	"200", "400", "404", "500", "501", "502", "action", "add",
	"after", "archive", "author", "available", "battery", "before", "body",
	"broadcast", "chat", "clear", "code", "composing", "contacts", "count",
	"create", "debug", "delete", "demote", "duplicate", "encoding", "error",
	"false", "filehash", "from", "g.us", "group", "groups_v2", "height", "id",
	"image", "in", "index", "invis", "item", "jid", "kind", "last", "leave",
	"live", "log", "media", "message", "mimetype", "missing", "modify", "name",
	"notification", "notify", "out", "owner", "participant", "paused",
	"picture", "played", "presence", "preview", "promote", "query", "raw",
	"read", "receipt", "received", "recipient", "recording", "relay",
	"remove", "response", "resume", "retry", "s.whatsapp.net", "seconds",
	"set", "size", "status", "subject", "subscribe", "t", "text", "to", "true",
	"type", "unarchive", "unavailable", "url", "user", "value", "web", "width",
	"mute", "read_only", "admin", "creator", "short", "update", "powersave",
	"checksum", "epoch", "block", "previous", "409", "replaced", "reason",
	"spam", "modify_tag", "message_info", "delivery", "emoji", "title",
	"description", "canonical-url", "matched-text", "star", "unstar",
	"media_key", "filename", "identity", "unread", "page", "page_count",
	"search", "media_message", "security", "call_log", "profile", "ciphertext",
	"invite", "gif", "vcard", "frequent", "privacy", "blacklist", "whitelist",
	"verify", "location", "document", "elapsed", "revoke_invite", "expiration",
	"unsubscribe", "disable", "vname", "old_jid", "new_jid", "announcement",
	"locked", "prop", "label", "color", "call", "offer", "call-id",
	"quick_reply", "sticker", "pay_t", "accept", "reject", "sticker_pack",
	"invalid", "canceled", "missed", "connected", "result", "audio",
	"video", "recent",
	// multi-device protocol
	"iq", "xmlns", "encrypt", "enc", "v", "pkmsg", "msg", "skmsg", "ack",
	"class", "success", "failure", "stream:error", "get", "keys", "key",
	"skey", "registration", "list", "signature", "device", "devices",
	"usync", "ping", "w:p", "urn:xmpp:ping", "offline", "passive",
	"platform", "push_name", "2", "3", "decrypt-fail", "hide", "retry_count",
	"sync", "xmpp:ping", "usync_query", "context", "mode", "sid", "lid",
}

var tokenIndex = func() map[string]byte {
	m := make(map[string]byte, len(singleByteTokens))
	for i, tok := range singleByteTokens {
		m[tok] = byte(i)
	}
	return m
}()

// TokenCount is the number of entries in the shared dictionary.
func TokenCount() int { return len(singleByteTokens) }

// Token returns the dictionary entry at index.
func Token(index byte) (string, bool) {
	if int(index) >= len(singleByteTokens) {
		return "", false
	}
	return singleByteTokens[index], true
}

// TokenIndex returns the dictionary index of s.
func TokenIndex(s string) (byte, bool) {
	i, ok := tokenIndex[s]
	return i, ok
}
