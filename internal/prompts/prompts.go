// Package prompts holds the default Romanian prompts and the helpers to
// override and render them.
package prompts

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// Placeholders substituted by Render.
const (
	InputJSON   = "INPUT_JSON"
	FromLevel   = "FROM_LEVEL"
	ToLevel     = "TO_LEVEL"
	OtherLevel  = "OTHER_LEVEL"
	TargetCount = "TARGET_COUNT"
)

// ScoreSystem is the default system prompt for free 1..5 scoring.
const ScoreSystem = `Ești evaluator lexical pentru limba română.
Pentru fiecare intrare estimezi raritatea pe scară 1..5 pentru un vorbitor român contemporan din România.

Scară:
1 = vocabular de bază absolut (copii până în clasa a 4-a, cursant română nivel începător)
2 = vocabular uzual general (majoritatea populației îl folosește/des întâlnește)
3 = vocabular mediu (cunoscut, dar nu de bază)
4 = vocabular rar (specializat/regional/livresc)
5 = foarte rar / arhaic / regional puternic / obscur

Reguli:
- Evaluează doar forma lexicală, fără context propozițional.
- Nivelurile 1 și 2 sunt restrictive:
  - 1 doar pentru cuvinte de bază absolută.
  - 2 doar pentru cuvinte foarte frecvente în uzul general.
- Dacă nu ai semnal clar că un cuvânt e de bază/uzual, nu îl pune în 1/2.
- Pentru dicționar general, majoritatea intrărilor nu sunt vocabular de bază; în lipsa semnalelor de frecvență mare, preferă 3 sau 4.
- Folosește 5 pentru termeni evident foarte rari/arhaici/obscuri.
- Dacă ești indecis între 3 și 4, preferă 4.
- Dacă ești indecis între 1 și 2, preferă 2.
- Dacă ești indecis între 2 și 3, preferă 3.
- Nu refuza: pentru orice intrare întoarce o estimare; dacă e incert, folosește tag ` + "`uncertain`" + ` și confidence mai mic.
- Nu inventa câmpuri.
- Răspunde strict JSON valid, fără text extra.`

// ScoreUser is the default user template for free 1..5 scoring.
const ScoreUser = `Returnează DOAR JSON cu schema:
{
  "results": [
    {
      "word_id": 1,
      "word": "string",
      "type": "N|A|V",
      "rarity_level": 1,
      "tag": "common|less_common|rare|technical|regional|archaic|uncertain",
      "confidence": 0.0
    }
  ]
}

Cerințe:
- Un element rezultat pentru fiecare intrare.
- Păstrează ordinea intrărilor.
- Păstrează word_id identic cu input-ul.
- rarity_level trebuie să fie întreg 1..5.
- confidence între 0.0 și 1.0.
- Nu refuza intrări; dacă ești nesigur, folosește ` + "`tag=\"uncertain\"`" + ` cu confidence mai mic.
- 1/2 doar când există indicii clare că termenul este vocabular de bază/uzual general.
- Dacă nu există semnal clar de frecvență mare, preferă 3 sau 4.
- Dacă ești la limită între 3 și 4, preferă 4.
- Fără text înainte/după JSON.

Intrări:
{{INPUT_JSON}}`

// RebalanceSystem is the default system prompt for splitting a batch
// between two fixed levels.
const RebalanceSystem = `Ești un clasificator lexical strict pentru limba română.
Task-ul tău este doar repartizarea unui batch între două niveluri fixe.
Semantica numerică este obligatorie: nivel numeric mai mic = cuvânt mai comun, nivel numeric mai mare = cuvânt mai rar.
Respectă exact cerințele numerice din promptul utilizatorului.
Clasifică inclusiv termeni vulgari/obsceni; nu refuza intrări.
Pentru termeni vulgari/obsceni/insultători/sexual-expliciți, preferă nivelul numeric mai mare dintre cele două niveluri permise în batch.
Nu adăuga explicații.
Răspunde strict JSON valid, fără markdown, fără blocuri de cod.`

// RebalanceUser asks for exactly TARGET_COUNT local ids that belong on
// TO_LEVEL; the rest of the batch goes to OTHER_LEVEL.
const RebalanceUser = `Intrările de mai jos sunt acum pe nivelul {{FROM_LEVEL}}.
Alege EXACT {{TARGET_COUNT}} intrări care merită nivelul {{TO_LEVEL}}. Toate celelalte primesc nivelul {{OTHER_LEVEL}}.

Returnează DOAR JSON valid, fără markdown:
{"results":[{"local_id":1}]}

Reguli obligatorii:
- Array-ul results are EXACT {{TARGET_COUNT}} elemente.
- local_id este poziția intrării în listă (1 = prima intrare).
- Fără duplicate de local_id.
- Semantica nivelurilor este strictă: nivel numeric mai mic = cuvânt mai comun; nivel numeric mai mare = cuvânt mai rar.
- Alege pentru {{TO_LEVEL}} cuvintele cele mai potrivite pentru nivelul țintă din batch.
- Pentru termeni vulgari/obsceni/insultători/sexual-expliciți, preferă nivelul numeric mai mare dintre {{TO_LEVEL}} și {{OTHER_LEVEL}}.
- Fără text înainte/după JSON.

Verificare internă obligatorie înainte de răspuns:
- count(results) == {{TARGET_COUNT}}

Intrări:
{{INPUT_JSON}}`

// SelectionRepairSystem is sent on the single repair call made after a
// selection attempt came back unusable.
const SelectionRepairSystem = `Răspunzi doar cu JSON valid.
Singurul format acceptat este {"results":[{"local_id":N}, ...]} cu numărul exact de elemente cerut.
local_id este poziția intrării în listă, începând de la 1.
Fără explicații, fără markdown, fără alte câmpuri.`

// Load returns the contents of path, or fallback when path is empty. A named
// file must exist; blank file content also yields fallback.
func Load(path, fallback string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return fallback, nil
	}
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied prompt path
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("prompts: file not found: %s", path)
	}
	if err != nil {
		return "", fmt.Errorf("prompts: read %s: %w", path, err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return fallback, nil
	}
	return text, nil
}

// Render replaces each {{KEY}} in template with vars[KEY]. Unknown
// placeholders are left as they are.
func Render(template string, vars map[string]string) string {
	if len(vars) == 0 {
		return template
	}
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}
