// Package mail は通知メールの生成と送信を提供する。
package mail

import (
	"bytes"
	"fmt"
	"html/template"
	"time"

	"github.com/hitoshi/ytletter/internal/model"
	"github.com/microcosm-cc/bluemonday"
)

// Renderer は動画一覧からメール本文HTMLを生成する。
type Renderer interface {
	Render(title, preview string, items []model.PlaylistItem) (string, error)
}

// HTMLRenderer はhtml/templateによるRenderer実装。
// 動画の説明文は信頼できない入力のためサニタイズしてから埋め込む。
type HTMLRenderer struct {
	tmpl   *template.Template
	policy *bluemonday.Policy
	now    func() time.Time
}

var _ Renderer = (*HTMLRenderer)(nil)

// NewHTMLRenderer はHTMLRendererを生成する。
func NewHTMLRenderer() *HTMLRenderer {
	return &HTMLRenderer{
		tmpl:   template.Must(template.New("email").Parse(emailTemplate)),
		policy: bluemonday.StrictPolicy(),
		now:    time.Now,
	}
}

type emailData struct {
	Title   string
	Preview string
	Cards   []cardData
}

type cardData struct {
	VideoURL     string
	Title        string
	Description  template.HTML
	ThumbnailURL string
	AddedAgo     string
	Last         bool
}

// Render はメールHTML全体を生成する。
func (r *HTMLRenderer) Render(title, preview string, items []model.PlaylistItem) (string, error) {
	data := emailData{
		Title:   title,
		Preview: preview,
		Cards:   make([]cardData, 0, len(items)),
	}
	for i, item := range items {
		data.Cards = append(data.Cards, cardData{
			VideoURL:     fmt.Sprintf("https://www.youtube.com/watch?v=%s", item.VideoID),
			Title:        item.Title,
			Description:  template.HTML(r.policy.Sanitize(item.Description)),
			ThumbnailURL: item.ThumbnailURL,
			AddedAgo:     timeAgo(r.now(), item.PublishedAt),
			Last:         i == len(items)-1,
		})
	}

	var buf bytes.Buffer
	if err := r.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render email: %w", err)
	}
	return buf.String(), nil
}

// timeAgo は経過時間を英語の粗い粒度で表現する。
func timeAgo(now, t time.Time) string {
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "less than a minute"
	case d < time.Hour:
		return plural(int(d/time.Minute), "minute")
	case d < 24*time.Hour:
		return plural(int(d/time.Hour), "hour")
	default:
		return plural(int(d/(24*time.Hour)), "day")
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

const emailTemplate = `<!doctype html>
<html>
  <head>
    <meta charset="utf-8">
    <title>{{.Title}}</title>
    <style>
      body { background-color: white; margin: 0; }
      .container { max-width: 700px; margin: 0 auto; font-family: Helvetica, Arial, sans-serif; }
      .card { padding: 16px 24px; }
      .card.separated { border-bottom: thick double #d8d8d8; }
      a, a:visited { color: #ec7505 !important; text-decoration: underline !important; }
      h1 a { color: #ec7505 !important; }
      pre { white-space: pre-wrap; line-height: 1.5; }
      img.thumbnail { max-width: 100%; }
      time { color: #666666; }
    </style>
  </head>
  <body>
    <div style="display:none;max-height:0;overflow:hidden;">{{.Preview}}</div>
    <div class="container">
{{- range .Cards}}
      <div class="card{{if not .Last}} separated{{end}}">
        <h1><a target="_blank" rel="noopener noreferrer" href="{{.VideoURL}}">{{.Title}}</a></h1>
{{- if .ThumbnailURL}}
        <a href="{{.VideoURL}}" rel="noopener noreferrer"><img class="thumbnail" src="{{.ThumbnailURL}}" alt="{{.Title}}"></a>
{{- end}}
        <h2>Description:</h2>
        <pre>{{.Description}}</pre>
        <time>Added {{.AddedAgo}} ago</time>
      </div>
{{- end}}
    </div>
  </body>
</html>
`
