package att

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/awalterschulze/gographviz"
	G "gorgonia.org/gorgonia"
)

type component struct {
	ID     string
	Name   string
	Shape  string
	Params int
}

// ArchitectureDot returns the components of an initialized model and how data flows between
// them, unrolled over time, in the DOT language.
func (d *Model) ArchitectureDot() string {
	g := gographviz.NewGraph()
	if err := g.SetName("G"); err != nil {
		panic(err)
	}
	g.SetDir(true)
	g.AddAttr("G", "rankdir", "LR")

	var buf bytes.Buffer
	add := func(c component) {
		tmpl.Execute(&buf, c)
		attrs := map[string]string{
			"fontname": "Monaco",
			"shape":    "none",
			"label":    buf.String(),
		}
		g.AddNode("G", c.ID, attrs)
		buf.Reset()
	}
	edge := func(from, to string) { g.AddEdge(from, to, true, nil) }

	B, P := d.BatchSize, d.positions()
	var fe G.Nodes
	if d.fe != nil {
		fe = d.fe.Params()
	}
	add(component{"frames", "Frames", fmt.Sprintf("(%d, %d, %d, %d, 3)", B, d.T, d.FrameSize, d.FrameSize), 0})
	add(component{"extractor", "FeatureExtractor", fmt.Sprintf("(%d, %d, %d, %d)", B*d.T, d.Grid, d.Grid, d.Channels), size(fe)})
	edge("frames", "extractor")

	if !d.FwdOnly {
		add(component{"loss", "Loss", "()", 0})
	}

	var att, enc G.Nodes
	if d.att != nil {
		att = d.att.learnables()
	}
	if d.enc != nil {
		enc = d.enc.learnables()
	}
	for t := 0; t < d.T; t++ {
		asm := fmt.Sprintf("assembler_%d", t)
		lstm := fmt.Sprintf("lstm_%d", t)
		pred := fmt.Sprintf("predictor_%d", t)
		add(component{asm, "Assembler", fmt.Sprintf("(%d, %d)", B, d.Channels), 0})
		add(component{lstm, "LSTM", fmt.Sprintf("(%d, %d)", B, d.LSTMDim), size(enc)})
		add(component{pred, "Predictor", fmt.Sprintf("(%d, %d)", B, d.C), d.LSTMDim*d.C + d.C})
		for i := 0; i < NumGroups; i++ {
			id := fmt.Sprintf("attention_%v_%d", Group(i), t)
			add(component{id, fmt.Sprintf("Attention %v", Group(i)), fmt.Sprintf("(%d, %d)", B*P, Joints), size(att) / NumGroups})
			edge("extractor", id)
			edge(id, asm)
			if t > 0 {
				edge(fmt.Sprintf("lstm_%d", t-1), id)
			}
		}
		edge("extractor", asm)
		edge(asm, lstm)
		edge(lstm, pred)
		if t > 0 {
			edge(fmt.Sprintf("lstm_%d", t-1), lstm)
		}
		if !d.FwdOnly {
			edge(pred, "loss")
		}
	}
	return g.String()
}

func size(ns G.Nodes) (retVal int) {
	for _, n := range ns {
		retVal += n.Shape().TotalSize()
	}
	return
}

const tmplRaw = `<
<TABLE BORDER="0" CELLBORDER="1" CELLSPACING="0">
<TR><TD>Component</TD><TD>{{.Name}}</TD></TR>
<TR><TD>Output</TD><TD>{{.Shape}}</TD></TR>
<TR><TD>Params</TD><TD>{{.Params}}</TD></TR>
</TABLE>
>
`

var tmpl *template.Template

func init() {
	tmpl = template.Must(template.New("name").Parse(tmplRaw))
}
