package assembler

import (
	"fmt"
	"strings"
)

// Prompt is a rendered prompt plus the shape markers upstream callers use
// to recognize the fallback branch.
type Prompt struct {
	Text     string
	Fallback bool
}

// locale carries the localized fixed strings of the prompt template.
type locale struct {
	system         string
	fallbackSystem string
	contextHeader  string
	questionHeader string
	// NoMaterial is the localized "material not available" reply the model
	// is instructed to produce on the fallback branch.
	noMaterial string
}

var locales = map[string]locale{
	"id": {
		system: "Kamu adalah asisten belajar untuk siswa SMA. Jawab pertanyaan " +
			"HANYA berdasarkan materi pelajaran di bawah ini. Jika materi tidak " +
			"memuat jawabannya, katakan bahwa materi tidak tersedia. Jawab dalam " +
			"bahasa Indonesia yang jelas dan ringkas.",
		fallbackSystem: "Kamu adalah asisten belajar untuk siswa SMA. Tidak ada " +
			"materi pelajaran yang relevan untuk pertanyaan ini. Balas persis " +
			"dengan pesan berikut dan jangan menambahkan apa pun:",
		contextHeader:  "=== MATERI PELAJARAN ===",
		questionHeader: "=== PERTANYAAN ===",
		noMaterial:     "Maaf, materi untuk pertanyaan ini belum tersedia di sekolahmu.",
	},
	"en": {
		system: "You are a study assistant for senior high school students. Answer " +
			"the question ONLY from the course material below. If the material does " +
			"not contain the answer, say the material is not available. Answer " +
			"clearly and concisely.",
		fallbackSystem: "You are a study assistant for senior high school students. " +
			"No relevant course material exists for this question. Reply with " +
			"exactly the following message and nothing else:",
		contextHeader:  "=== COURSE MATERIAL ===",
		questionHeader: "=== QUESTION ===",
		noMaterial:     "Sorry, the material for this question is not yet available at your school.",
	},
}

func localeFor(lang string) locale {
	if l, ok := locales[lang]; ok {
		return l
	}
	return locales["id"]
}

// Render fills the three-region template: system instructions, context
// block (each chunk preceded by its source tag), and the user question.
// An empty selection renders the fallback variant.
func Render(selected []Candidate, question, lang string) Prompt {
	l := localeFor(lang)

	if len(selected) == 0 {
		var b strings.Builder
		b.WriteString(l.fallbackSystem)
		b.WriteString("\n\n")
		b.WriteString(l.noMaterial)
		b.WriteString("\n\n")
		b.WriteString(l.questionHeader)
		b.WriteString("\n")
		b.WriteString(question)
		return Prompt{Text: b.String(), Fallback: true}
	}

	var b strings.Builder
	b.WriteString(l.system)
	b.WriteString("\n\n")
	b.WriteString(l.contextHeader)
	b.WriteString("\n")
	for _, c := range selected {
		fmt.Fprintf(&b, "[source: %s, %d]\n%s\n\n", c.BookTitle, c.Ordinal, strings.TrimSpace(c.Text))
	}
	b.WriteString(l.questionHeader)
	b.WriteString("\n")
	b.WriteString(question)
	return Prompt{Text: b.String()}
}

// NoMaterialMessage returns the localized fallback reply for lang, used by
// callers that surface the fallback without invoking the model.
func NoMaterialMessage(lang string) string {
	return localeFor(lang).noMaterial
}
