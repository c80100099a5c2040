package charset

// ISO charsets with the Windows code page that is a superset. Messages labeled
// as the ISO charset are often really in the Windows code page, with
// characters in the 0x80-0x9f range.
var isoWindows = map[string]string{
	"iso-8859-1":  "windows-1252",
	"iso-8859-2":  "windows-1250",
	"iso-8859-4":  "windows-1257",
	"iso-8859-5":  "windows-1251",
	"iso-8859-6":  "windows-1256",
	"iso-8859-7":  "windows-1253",
	"iso-8859-8":  "windows-1255",
	"iso-8859-9":  "windows-1254",
	"iso-8859-13": "windows-1257",
	"us-ascii":    "windows-1252",
}

// IsoToWindows returns the Windows code page for an ISO charset. For other
// charsets, name is returned unchanged.
func IsoToWindows(name string) string {
	if w, ok := isoWindows[Canonical(name)]; ok {
		return w
	}
	return name
}
